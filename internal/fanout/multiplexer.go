// Package fanout routes pipeline log events to the live observers subscribed
// under an owner identity.
package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/StageForge/internal/domain/event"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 256

// Multiplexer is the owner-scoped subscriber registry. Publishes for
// different owners take only a shared read lock on the registry; publishes
// for the same owner are serialized so every subscriber sees them in order.
type Multiplexer struct {
	mu     sync.RWMutex
	owners map[string]*ownerSubs
	buffer int

	published metric.Int64Counter
	delivered metric.Int64Counter
	pruned    metric.Int64Counter
}

type ownerSubs struct {
	pubMu sync.Mutex // serializes Publish for one owner

	mu   sync.Mutex
	subs []*Subscription
}

// Subscription is one observer handle. Events arrive on Events() until Done()
// is closed, either by Close or because the multiplexer pruned the handle.
type Subscription struct {
	id     string
	owner  string
	ch     chan event.Envelope
	done   chan struct{}
	once   sync.Once
	parent *Multiplexer
}

// New creates a Multiplexer whose subscriptions buffer up to buffer events.
func New(buffer int) *Multiplexer {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	meter := otel.Meter("stageforge/fanout")
	published, _ := meter.Int64Counter("stageforge.fanout.published",
		metric.WithDescription("Events published to the fan-out"))
	delivered, _ := meter.Int64Counter("stageforge.fanout.delivered",
		metric.WithDescription("Events queued to a subscriber"))
	pruned, _ := meter.Int64Counter("stageforge.fanout.pruned",
		metric.WithDescription("Subscriptions removed after a failed push"))
	return &Multiplexer{
		owners:    make(map[string]*ownerSubs),
		buffer:    buffer,
		published: published,
		delivered: delivered,
		pruned:    pruned,
	}
}

// Subscribe registers a new observer for ownerID.
func (m *Multiplexer) Subscribe(ownerID string) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		owner:  ownerID,
		ch:     make(chan event.Envelope, m.buffer),
		done:   make(chan struct{}),
		parent: m,
	}

	m.mu.Lock()
	o, ok := m.owners[ownerID]
	if !ok {
		o = &ownerSubs{}
		m.owners[ownerID] = o
	}
	o.mu.Lock()
	o.subs = append(o.subs, s)
	o.mu.Unlock()
	m.mu.Unlock()

	return s
}

// Unsubscribe removes s from the registry. It is idempotent.
func (m *Multiplexer) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	m.remove(s)
}

// Publish pushes env to every subscriber of ownerID registered at call
// time. A subscriber that is closed or whose buffer is full is pruned; the
// failure never reaches the caller. With no subscribers the event is dropped.
func (m *Multiplexer) Publish(ownerID string, env event.Envelope) {
	m.published.Add(context.Background(), 1)

	m.mu.RLock()
	o := m.owners[ownerID]
	m.mu.RUnlock()
	if o == nil {
		return
	}

	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	snapshot := make([]*Subscription, len(o.subs))
	copy(snapshot, o.subs)
	o.mu.Unlock()

	for _, s := range snapshot {
		select {
		case <-s.done:
			m.prune(s)
			continue
		default:
		}
		select {
		case s.ch <- env:
			m.delivered.Add(context.Background(), 1)
		default:
			m.prune(s)
		}
	}
}

// Count returns the number of live subscriptions for ownerID.
func (m *Multiplexer) Count(ownerID string) int {
	m.mu.RLock()
	o := m.owners[ownerID]
	m.mu.RUnlock()
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (m *Multiplexer) prune(s *Subscription) {
	if m.remove(s) {
		m.pruned.Add(context.Background(), 1)
	}
}

// remove deletes s from its owner's list and closes its done channel. It
// reports whether s was still registered.
func (m *Multiplexer) remove(s *Subscription) bool {
	removed := false

	m.mu.Lock()
	if o, ok := m.owners[s.owner]; ok {
		o.mu.Lock()
		for i, cur := range o.subs {
			if cur == s {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				removed = true
				break
			}
		}
		if len(o.subs) == 0 {
			delete(m.owners, s.owner)
		}
		o.mu.Unlock()
	}
	m.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	return removed
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Owner returns the owner the subscription listens to.
func (s *Subscription) Owner() string { return s.owner }

// Events returns the delivery channel. It is never closed; select on Done.
func (s *Subscription) Events() <-chan event.Envelope { return s.ch }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes s.
func (s *Subscription) Close() { s.parent.Unsubscribe(s) }
