// Package labeler supplies an optional, best-effort title for sessions the
// host didn't name. It can never block or fail a spawn: on any error,
// timeout, or missing provider it falls back to the caller's default
// immediately. Built around gollm's NewLLM/NewPrompt/Generate calls.
package labeler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

const generateTimeout = 500 * time.Millisecond

var (
	initOnce sync.Once
	client   llm.LLM
)

// apiKeyFor discovers a provider's API key from the environment.
func apiKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// configured reports whether a usable LLM client exists, lazily
// initializing it on first use. Failure to construct a client is silent:
// labeling is an enrichment, never a requirement.
func configured() llm.LLM {
	initOnce.Do(func() {
		provider := "anthropic"
		apiKey := apiKeyFor(provider)
		if apiKey == "" {
			return
		}
		c, err := gollm.NewLLM(
			gollm.SetProvider(provider),
			gollm.SetModel("claude-3-haiku-20240307"),
			gollm.SetMaxTokens(16),
			gollm.SetTemperature(0.2),
		)
		if err != nil {
			return
		}
		client = c
	})
	return client
}

// Label returns a short (<=30 char) descriptive title for a session given
// its parent id, or fallback if no LLM is configured, the call errors, or
// it doesn't finish within generateTimeout.
func Label(parentID, fallback string) string {
	c := configured()
	if c == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	prompt := gollm.NewPrompt(fmt.Sprintf(
		"Give a short (max 4 words, no punctuation) descriptive label for a coding "+
			"subagent session spawned from parent %q. Output only the label.", parentID))

	response, err := c.Generate(ctx, prompt)
	if err != nil {
		return fallback
	}

	label := strings.TrimSpace(strings.Trim(response, "\"'"))
	if label == "" {
		return fallback
	}
	if len(label) > 30 {
		label = label[:30]
	}
	return label
}

// ResetForTest clears the cached client so tests can exercise configured()
// under different environment setups.
func ResetForTest() {
	initOnce = sync.Once{}
	client = nil
}
