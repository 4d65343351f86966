package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, "STAGEFORGE_TEST")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject under pipeline.> that no other test uses.
func uniqueSubject() string {
	return "pipeline.test." + uuid.NewString()[:8]
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject()

	want := messagequeue.RunFinishedPayload{TaskID: "t1", OwnerID: "alice", Status: "completed"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *messagequeue.RunFinishedPayload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got messagequeue.RunFinishedPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil || *received != want {
		t.Fatalf("received %+v, want %+v", received, want)
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject()

	got := make(chan string, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		got <- logger.RequestID(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), "req-nats-1")
	if err := q.Publish(ctx, subject, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-got:
		if id != "req-nats-1" {
			t.Errorf("request id = %q, want req-nats-1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_PublishRejectsInvalidRunRequest(t *testing.T) {
	q := testConnect(t)
	err := q.Publish(context.Background(), messagequeue.SubjectRunRequested, []byte(`{"task_id":""}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "stageforge_test_"+uuid.NewString()[:8], time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "v" {
		t.Errorf("value = %q, want v", entry.Value())
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

func TestDurableName(t *testing.T) {
	if got := durableName("pipeline.run.requested"); got != "stageforge-pipeline_run_requested" {
		t.Errorf("durableName = %q", got)
	}
}

func TestQueue_SubscribeAllFansOut(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject()

	var wg sync.WaitGroup
	wg.Add(2)
	counts := make([]int, 2)
	var mu sync.Mutex
	for i := range 2 {
		stop, err := q.SubscribeAll(context.Background(), subject, func(context.Context, string, []byte) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("SubscribeAll: %v", err)
		}
		defer stop()
	}

	if err := q.Publish(context.Background(), subject, []byte(`{"task_id":"t1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("both subscribers should receive the message")
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[0] != 1 || counts[1] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
