// Package memqueue implements the message queue port in process, for
// single-binary deployments and tests.
package memqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

// ErrClosed is returned when publishing to a drained or closed queue.
var ErrClosed = errors.New("memqueue: closed")

type message struct {
	ctx  context.Context
	data []byte
}

type subscription struct {
	id      string
	handler messagequeue.Handler
	ch      chan message
	done    chan struct{}
}

// Queue delivers each published message to every subscriber of the subject.
// Every subscription has its own buffered channel drained by one goroutine,
// so messages on a subscription are handled in publish order.
type Queue struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	buffer int
	closed bool
	wg     sync.WaitGroup
}

// New creates an in-memory queue whose subscriptions buffer up to buffer messages.
func New(buffer int) *Queue {
	if buffer < 1 {
		buffer = 1
	}
	return &Queue{subs: make(map[string][]*subscription), buffer: buffer}
}

// Publish validates data and hands it to each subscriber, blocking while a
// subscriber's buffer is full or until ctx is done.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	// Handlers get a context that outlives the publisher but keeps its request ID.
	hctx := context.Background()
	if id := logger.RequestID(ctx); id != "" {
		hctx = logger.WithRequestID(hctx, id)
	}

	buf := append([]byte(nil), data...)
	for _, s := range q.subs[subject] {
		select {
		case s.ch <- message{ctx: hctx, data: buf}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for subject. The returned cancel stops new
// deliveries; messages already buffered for the subscription are still
// handled, and Drain waits for them.
func (q *Queue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	s := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		ch:      make(chan message, q.buffer),
		done:    make(chan struct{}),
	}
	q.subs[subject] = append(q.subs[subject], s)

	q.wg.Add(1)
	go q.consume(subject, s)

	var once sync.Once
	return func() {
		once.Do(func() { q.remove(subject, s) })
	}, nil
}

func (q *Queue) consume(subject string, s *subscription) {
	defer q.wg.Done()
	for {
		select {
		case m, ok := <-s.ch:
			if !ok {
				return
			}
			if err := s.handler(m.ctx, subject, m.data); err != nil {
				slog.Error("message handler failed", "subject", subject, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (q *Queue) remove(subject string, s *subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.subs[subject]
	for i, cur := range list {
		if cur == s {
			q.subs[subject] = append(list[:i:i], list[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Drain rejects further publishes, lets every subscription finish its
// buffered messages and waits for the handlers to return.
func (q *Queue) Drain() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, list := range q.subs {
			for _, s := range list {
				close(s.ch)
			}
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// Close stops all subscriptions without waiting for buffered messages.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for subject, list := range q.subs {
			for _, s := range list {
				close(s.done)
			}
			delete(q.subs, subject)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// IsConnected reports whether the queue still accepts messages.
func (q *Queue) IsConnected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}
