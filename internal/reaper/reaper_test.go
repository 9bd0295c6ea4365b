package reaper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opentmux/opentmuxd/internal/config"
)

func TestParseAttachCommandExtractsURLAndSession(t *testing.T) {
	url, sid := parseAttachCommand("opencode attach http://localhost:4096 --session ses_abc123")
	if url != "http://localhost:4096" {
		t.Errorf("url = %q", url)
	}
	if sid != "ses_abc123" {
		t.Errorf("sessionID = %q", sid)
	}
}

func TestParseAttachCommandMissingSession(t *testing.T) {
	url, sid := parseAttachCommand("opencode attach http://localhost:4096")
	if url != "http://localhost:4096" {
		t.Errorf("url = %q", url)
	}
	if sid != "" {
		t.Errorf("expected empty sessionID, got %q", sid)
	}
}

func TestSameOriginTreatsLocalhostAndLoopbackEqual(t *testing.T) {
	if !sameOrigin("http://localhost:4096", "http://127.0.0.1:4096") {
		t.Fatal("expected localhost and 127.0.0.1 to normalize equal")
	}
}

func TestSameOriginDifferentPortsNotEqual(t *testing.T) {
	if sameOrigin("http://localhost:4097", "http://127.0.0.1:4096") {
		t.Fatal("expected different ports to be unequal origins")
	}
}

func TestSameOriginMissingSchemeDefaultsHTTP(t *testing.T) {
	if !sameOrigin("localhost:4096", "http://127.0.0.1:4096") {
		t.Fatal("expected bare host:port to normalize to http")
	}
}

func TestScanOnceNoProcessesIsNoop(t *testing.T) {
	r := New("http://localhost:4096", config.Default())
	r.ScanOnce(context.Background()) // must not panic; environment has no "opencode attach" processes
	if len(r.cands) != 0 {
		t.Errorf("expected no candidates, got %d", len(r.cands))
	}
}

func TestFetchActiveSessionsParsesDataWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"ses_1":{"type":"idle"}}}`))
	}))
	defer srv.Close()

	active, ok := fetchActiveSessions(context.Background(), srv.URL)
	if !ok {
		t.Fatal("expected fetch to succeed")
	}
	if !active["ses_1"] {
		t.Error("expected ses_1 to be active")
	}
}

func TestFetchActiveSessionsAbortsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, ok := fetchActiveSessions(context.Background(), srv.URL)
	if ok {
		t.Fatal("expected fetch to report failure on 500")
	}
}
