package memqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

const subject = "pipeline.test.mem"

func TestQueue_DeliversInOrder(t *testing.T) {
	q := New(8)
	defer func() { _ = q.Close() }()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, data []byte) error {
		mu.Lock()
		got = append(got, string(data))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	for _, v := range []string{`1`, `2`, `3`} {
		if err := q.Publish(context.Background(), subject, []byte(v)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Errorf("order = %v", got)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := New(1)
	defer func() { _ = q.Close() }()

	ids := make(chan string, 1)
	_, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		ids <- logger.RequestID(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := q.Publish(logger.WithRequestID(context.Background(), "req-7"), subject, []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case id := <-ids:
		if id != "req-7" {
			t.Errorf("request id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestQueue_ValidatesRunRequests(t *testing.T) {
	q := New(1)
	defer func() { _ = q.Close() }()

	if err := q.Publish(context.Background(), messagequeue.SubjectRunRequested, []byte(`{"owner_id":"a"}`)); err == nil {
		t.Fatal("expected validation error for missing task_id")
	}
	if err := q.Publish(context.Background(), subject, []byte(`not json`)); err == nil {
		t.Fatal("expected validation error for invalid JSON")
	}
}

func TestQueue_DrainFinishesBufferedMessages(t *testing.T) {
	q := New(16)

	var (
		mu    sync.Mutex
		count int
	)
	_, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for range 5 {
		if err := q.Publish(context.Background(), subject, []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if err := q.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("handled %d messages, want 5", count)
	}
	if q.IsConnected() {
		t.Error("IsConnected() = true after Drain")
	}
	if err := q.Publish(context.Background(), subject, []byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Drain = %v, want ErrClosed", err)
	}
}

func TestQueue_CancelStopsDelivery(t *testing.T) {
	q := New(1)
	defer func() { _ = q.Close() }()

	calls := make(chan struct{}, 4)
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		calls <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stop()
	stop()

	if err := q.Publish(context.Background(), subject, []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-calls:
		t.Fatal("handler called after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_CancelFinishesBufferedMessages(t *testing.T) {
	q := New(4)

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen int
	)
	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		<-release
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for range 3 {
		if err := q.Publish(context.Background(), subject, []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	stop()
	close(release)

	if err := q.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen != 3 {
		t.Errorf("handled %d buffered messages after cancel, want 3", seen)
	}
}
