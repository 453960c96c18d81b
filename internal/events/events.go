// Package events publishes domain events after their ledger effects have
// committed. A Bus stamps each event with a monotonically increasing sequence
// number and fans it out to sinks (Redis stream, WebSocket hub, S3 archive).
//
// Delivery is best effort: a failing sink is logged and counted, and never
// undoes the mutation the event describes.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmx/economy-engine/internal/metrics"
	"github.com/pmx/economy-engine/internal/model"
)

// Type names a domain event.
type Type string

const (
	SettlementCompleted         Type = "SettlementCompleted"
	Wave1PoolAllocated          Type = "Wave1PoolAllocated"
	Wave1DistributionCompleted  Type = "Wave1DistributionCompleted"
	Wave2RedistributionExecuted Type = "Wave2RedistributionExecuted"
	Wave3IncentiveDistributed   Type = "Wave3IncentiveDistributed"
	Wave3IncentiveExpired       Type = "Wave3IncentiveExpired"
	GameCancelled               Type = "GameCancelled"
)

// Event describes a committed change. Seq and PublishedAt are assigned by
// the Bus.
type Event struct {
	Seq         int64         `json:"seq"`
	Type        Type          `json:"type"`
	Key         string        `json:"key"`
	Subject     string        `json:"subject,omitempty"`
	Entries     []model.Entry `json:"entries"`
	OccurredAt  time.Time     `json:"occurred_at"`
	PublishedAt time.Time     `json:"published_at"`
}

// Total sums the entry amounts.
func (e Event) Total() model.Amount {
	var sum model.Amount
	for _, en := range e.Entries {
		sum += en.Amount
	}
	return sum
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink receives sequenced events from a Bus.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Sequencer hands out event sequence numbers.
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// CounterSequencer is an in-process Sequencer.
type CounterSequencer struct {
	n atomic.Int64
}

// Next returns the next number, starting at 1.
func (c *CounterSequencer) Next(context.Context) (int64, error) {
	return c.n.Add(1), nil
}

// Bus sequences events and fans them out to its sinks in sequence order.
type Bus struct {
	seq    Sequencer
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	sinks []Sink
}

// NewBus creates a Bus. A nil seq uses a CounterSequencer.
func NewBus(seq Sequencer, logger *slog.Logger, sinks ...Sink) *Bus {
	if seq == nil {
		seq = &CounterSequencer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{seq: seq, logger: logger, now: time.Now, sinks: sinks}
}

// Subscribe adds a sink. Events already published are not replayed.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish sequences ev and delivers it to every sink. Only a sequencing
// failure is returned; sink failures are logged and counted.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq, err := b.seq.Next(ctx)
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues("sequencer").Inc()
		return fmt.Errorf("events: sequence %s: %w", ev.Type, err)
	}
	ev.Seq = seq
	ev.PublishedAt = b.now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.PublishedAt
	}

	for _, s := range b.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			metrics.EventPublishFailures.WithLabelValues(s.Name()).Inc()
			b.logger.Warn("event delivery failed",
				"sink", s.Name(),
				"type", ev.Type,
				"seq", ev.Seq,
				"key", ev.Key,
				"err", err,
			)
		}
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps every event it receives. It works both as a Publisher and
// as a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from every call after recording.
	Err error
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	return r.Deliver(ctx, ev)
}

func (r *Recorder) Deliver(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ErrSinkClosed is returned by sinks that no longer accept events.
var ErrSinkClosed = errors.New("events: sink closed")
