// Package metrics reports per-call usage events to the registry's analytics
// endpoint. Reporting is fire-and-forget: events are queued onto a bounded
// channel and published by a fixed worker pool, and the queue drops new
// events rather than ever blocking a protocol call.
package metrics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RequestInfo describes the inbound protocol call.
type RequestInfo struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	SizeBytes int    `json:"size_bytes"`
}

// ResponseInfo describes the outcome of the call.
type ResponseInfo struct {
	StatusCode int   `json:"status_code"`
	SizeBytes  int   `json:"size_bytes"`
	DurationMS int64 `json:"duration_ms"`
}

// ErrorInfo carries error context for failed calls.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Event is a single usage record. UserAPIKey always holds a redacted digest,
// never the credential itself.
type Event struct {
	SessionID     string       `json:"session_id"`
	EventSequence int64        `json:"event_sequence"`
	Timestamp     time.Time    `json:"timestamp"`
	PackageName   string       `json:"package_name"`
	UserAPIKey    string       `json:"user_api_key"`
	ClientIP      string       `json:"client_ip"`
	UserAgent     string       `json:"user_agent"`
	Request       RequestInfo  `json:"request"`
	Response      ResponseInfo `json:"response"`
	Error         *ErrorInfo   `json:"error,omitempty"`
}

// Sink is where completed events land.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// RedactKey returns a stable, non-reversible token for a credential so events
// can be correlated per caller without ever carrying the key.
func RedactKey(apiKey string) string {
	if apiKey == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

const (
	defaultQueueSize   = 256
	defaultWorkerCount = 4
	publishTimeout     = 10 * time.Second
)

// Emitter queues events and publishes them asynchronously.
type Emitter struct {
	sink    Sink
	log     *slog.Logger
	queue   chan Event
	wg      sync.WaitGroup
	dropped atomic.Int64
	seqs    sync.Map // session id -> *atomic.Int64

	// closeMu serializes queue closure against in-flight Report sends, so a
	// reporter can never hit a closed channel.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type EmitterOption func(*Emitter)

func WithLogger(log *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.log = log
	}
}

func WithQueueSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan Event, n)
		}
	}
}

// NewEmitter starts the worker pool. Close must be called to flush and stop.
func NewEmitter(sink Sink, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sink:  sink,
		queue: make(chan Event, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}

	for range defaultWorkerCount {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.sink.Publish(ctx, ev); err != nil {
			e.log.Warn("metrics.publish.fail",
				slog.String("session_id", ev.SessionID),
				slog.Int64("sequence", ev.EventSequence),
				slog.String("err", err.Error()))
		}
		cancel()
	}
}

// Report enqueues an event, assigning the next per-session sequence number
// and stamping the timestamp if unset. The call never blocks; when the queue
// is full the event is dropped and counted.
func (e *Emitter) Report(ev Event) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	seq, _ := e.seqs.LoadOrStore(ev.SessionID, &atomic.Int64{})
	ev.EventSequence = seq.(*atomic.Int64).Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case e.queue <- ev:
	default:
		n := e.dropped.Add(1)
		e.log.Warn("metrics.drop",
			slog.String("session_id", ev.SessionID),
			slog.Int64("dropped_total", n))
	}
}

// ForgetSession releases the sequence counter for a terminated session.
func (e *Emitter) ForgetSession(sessionID string) {
	e.seqs.Delete(sessionID)
}

// Dropped reports how many events were discarded due to a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops accepting events and waits for in-flight publishes until ctx
// expires.
func (e *Emitter) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		close(e.queue)
		e.closeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
