// Package spawnqueue serializes pane creation against the single
// multiplexer writer, with retry/backoff, dedup/coalescing, staleness, and
// a drain notification.
//
// A single worker goroutine is mandatory: concurrent tmux split-window
// invocations interleave layout state unpredictably, so every spawn
// attempt in the process funnels through one processing loop.
package spawnqueue

import (
	"context"
	"math"
	"sync"
	"time"
)

const baseBackoffMs = 250

// DefaultStaleThreshold is the age past which a dequeued item is failed
// without ever calling the spawn function.
const DefaultStaleThreshold = 30 * time.Second

// Request describes one spawn attempt handed to the configured SpawnFunc.
type Request struct {
	SessionID  string
	Title      string
	EnqueuedAt time.Time
	RetryCount int
}

// Result is the outcome of a spawn attempt.
type Result struct {
	Success bool
	PaneID  string
}

// SpawnFunc performs the actual pane creation for one attempt.
type SpawnFunc func(context.Context, Request) Result

// Options configures a Queue.
type Options struct {
	Spawn          SpawnFunc
	SpawnDelay     time.Duration
	MaxRetries     int
	StaleThreshold time.Duration
	OnQueueUpdate  func(pending int)
	OnQueueDrained func()
}

type item struct {
	sessionID  string
	title      string
	enqueuedAt time.Time
	waiters    []chan Result
}

// Queue is an ordered, deduped, retrying spawn scheduler.
type Queue struct {
	mu             sync.Mutex
	spawn          SpawnFunc
	spawnDelay     time.Duration
	maxRetries     int
	staleThreshold time.Duration
	onQueueUpdate  func(int)
	onQueueDrained func()

	items      []*item
	bySession  map[string]*item
	inFlight   *item
	processing bool
	shutdown   bool
}

// New constructs a Queue; unset Options fall back to package defaults.
func New(opts Options) *Queue {
	spawnDelay := opts.SpawnDelay
	if spawnDelay <= 0 {
		spawnDelay = 300 * time.Millisecond
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{
		spawn:          opts.Spawn,
		spawnDelay:     spawnDelay,
		maxRetries:     maxRetries,
		staleThreshold: staleThreshold,
		onQueueUpdate:  opts.OnQueueUpdate,
		onQueueDrained: opts.OnQueueDrained,
		bySession:      make(map[string]*item),
	}
}

// Enqueue blocks until sessionID's item is processed, ctx is cancelled, or
// the queue has shut down. A sessionId already present (queued or
// in-flight) coalesces: the caller's one-shot waiter attaches to the
// existing item instead of creating a new one, and no extra spawn is
// performed.
func (q *Queue) Enqueue(ctx context.Context, sessionID, title string) Result {
	waiter := make(chan Result, 1)

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return Result{}
	}
	if existing, ok := q.bySession[sessionID]; ok {
		existing.waiters = append(existing.waiters, waiter)
		q.mu.Unlock()
		return q.await(ctx, waiter)
	}

	it := &item{
		sessionID:  sessionID,
		title:      title,
		enqueuedAt: time.Now(),
		waiters:    []chan Result{waiter},
	}
	q.items = append(q.items, it)
	q.bySession[sessionID] = it
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.notifyUpdate(pending)
	q.kickProcessor()

	return q.await(ctx, waiter)
}

func (q *Queue) await(ctx context.Context, waiter chan Result) Result {
	select {
	case res := <-waiter:
		return res
	case <-ctx.Done():
		return Result{}
	}
}

// PendingCount returns len(items) plus one if something is in-flight.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// Shutdown is idempotent: it resolves every outstanding waiter as failure
// and refuses further Enqueues.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true

	toResolve := make([]*item, 0, len(q.bySession))
	for _, it := range q.bySession {
		toResolve = append(toResolve, it)
	}
	q.items = nil
	q.bySession = make(map[string]*item)
	q.inFlight = nil
	q.mu.Unlock()

	for _, it := range toResolve {
		q.resolve(it, Result{})
	}
	q.notifyUpdate(0)
}

func (q *Queue) kickProcessor() {
	q.mu.Lock()
	if q.processing || q.shutdown {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	go q.processLoop()
}

func (q *Queue) processLoop() {
	defer func() {
		q.mu.Lock()
		drained := len(q.items) == 0 && q.inFlight == nil
		q.mu.Unlock()
		if drained && q.onQueueDrained != nil {
			q.onQueueDrained()
		}
	}()

	for {
		q.mu.Lock()
		if q.shutdown || len(q.items) == 0 {
			// Cleared under the same lock that observed the empty queue, so
			// an Enqueue arriving after this point starts a new processor.
			q.processing = false
			pending := q.pendingLocked()
			q.mu.Unlock()
			q.notifyUpdate(pending)
			return
		}

		it := q.items[0]
		q.items = q.items[1:]
		q.inFlight = it
		pending := q.pendingLocked()
		q.mu.Unlock()
		q.notifyUpdate(pending)

		if time.Since(it.enqueuedAt) > q.staleThreshold {
			q.resolve(it, Result{})
			q.finishItem(it)
			continue
		}

		res := q.attemptWithRetries(it)
		q.resolve(it, res)
		hasNext, shuttingDown := q.finishItem(it)

		if !shuttingDown && hasNext {
			time.Sleep(q.spawnDelay)
		}
	}
}

// finishItem clears the in-flight/dedup bookkeeping for it and reports
// whether more items remain and whether the queue is shutting down.
func (q *Queue) finishItem(it *item) (hasNext, shuttingDown bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == it {
		q.inFlight = nil
	}
	delete(q.bySession, it.sessionID)
	return len(q.items) > 0, q.shutdown
}

func (q *Queue) attemptWithRetries(it *item) Result {
	result := Result{}
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		q.mu.Lock()
		shuttingDown := q.shutdown
		spawn := q.spawn
		q.mu.Unlock()
		if shuttingDown || spawn == nil {
			return Result{}
		}

		result = spawn(context.Background(), Request{
			SessionID:  it.sessionID,
			Title:      it.title,
			EnqueuedAt: it.enqueuedAt,
			RetryCount: attempt,
		})
		if result.Success {
			return result
		}
		if attempt < q.maxRetries {
			backoff := time.Duration(float64(baseBackoffMs)*math.Pow(2, float64(attempt))) * time.Millisecond
			time.Sleep(backoff)
		}
	}
	return result
}

func (q *Queue) resolve(it *item, res Result) {
	q.mu.Lock()
	waiters := it.waiters
	it.waiters = nil
	q.mu.Unlock()
	for _, w := range waiters {
		w <- res
		close(w)
	}
}

func (q *Queue) pendingLocked() int {
	n := len(q.items)
	if q.inFlight != nil {
		n++
	}
	return n
}

func (q *Queue) notifyUpdate(pending int) {
	if q.onQueueUpdate != nil {
		q.onQueueUpdate(pending)
	}
}
