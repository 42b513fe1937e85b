// Package observability carries operation lifecycle events, structured
// logging with redaction, request IDs and OpenTelemetry wiring.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Phase is the lifecycle point an Event describes.
type Phase string

const (
	PhaseStarted   Phase = "operation_started"
	PhaseSucceeded Phase = "operation_succeeded"
	PhaseFailed    Phase = "operation_failed"
)

// Event is one lifecycle notification of a provider operation.
type Event struct {
	ID        uuid.UUID
	Phase     Phase
	Operation string
	Timestamp time.Time
	// Duration is zero for PhaseStarted.
	Duration  time.Duration
	ErrorKind string
	Err       error
	RequestID string
	Attempts  int
	Model     string
	// EstimatedTokens is the budget reserved for the first attempt.
	EstimatedTokens int64
}

type eventJSON struct {
	Event           string    `json:"event"`
	EventID         string    `json:"eventId"`
	OperationName   string    `json:"operationName"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMs      *int64    `json:"durationMs,omitempty"`
	ErrorKind       string    `json:"errorKind,omitempty"`
	Error           string    `json:"error,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	Attempts        int       `json:"attempts,omitempty"`
	Model           string    `json:"model,omitempty"`
	EstimatedTokens int64     `json:"estimatedTokens,omitempty"`
}

// MarshalJSON encodes the event with its wire field names.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Event:           string(e.Phase),
		EventID:         e.ID.String(),
		OperationName:   e.Operation,
		Timestamp:       e.Timestamp,
		ErrorKind:       e.ErrorKind,
		RequestID:       e.RequestID,
		Attempts:        e.Attempts,
		Model:           e.Model,
		EstimatedTokens: e.EstimatedTokens,
	}
	if e.Phase != PhaseStarted {
		ms := e.Duration.Milliseconds()
		out.DurationMs = &ms
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Observer receives events synchronously on the publishing goroutine.
// Implementations must not block.
type Observer interface {
	OnEvent(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// Notifier fans events out to channel subscribers and observers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event,
// which is counted in Dropped. A panicking observer is recovered and logged.
type Notifier struct {
	logger *slog.Logger

	mu        sync.RWMutex
	subs      map[uint64]chan Event
	nextSub   uint64
	observers []Observer
	closed    bool

	dropped atomic.Int64
	panics  atomic.Int64
}

// NewNotifier creates a Notifier. A nil logger uses slog.Default().
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger,
		subs:   make(map[uint64]chan Event),
	}
}

// Subscribe returns a channel receiving every subsequent event and a function
// that unsubscribes and closes it. buffer < 1 is treated as 1.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

// AddObserver registers o for all subsequent events.
func (n *Notifier) AddObserver(o Observer) {
	if o == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

// Publish delivers e. Missing ID and Timestamp are filled in.
func (n *Notifier) Publish(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- e:
		default:
			n.dropped.Add(1)
		}
	}
	observers := n.observers
	n.mu.RUnlock()

	for _, o := range observers {
		n.notify(ctx, o, e)
	}
}

func (n *Notifier) notify(ctx context.Context, o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.panics.Add(1)
			n.logger.Warn("event observer panicked", "event", string(e.Phase), "operation", e.Operation, "panic", r)
		}
	}()
	o.OnEvent(ctx, e)
}

// Dropped returns how many channel deliveries were skipped.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// ObserverPanics returns how many observer calls panicked.
func (n *Notifier) ObserverPanics() int64 { return n.panics.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
