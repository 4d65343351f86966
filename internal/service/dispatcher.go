package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// PipelineRunner executes one run to its terminal status. Abort fails a
// run that was accepted but will never execute.
type PipelineRunner interface {
	Run(ctx context.Context, req RunRequest) RunResult
	Abort(ctx context.Context, req RunRequest, reason string) RunResult
}

// DispatcherService decouples run submission from execution. Submit
// publishes a run request on the queue; a fixed pool of workers consumes
// the requests and drives the orchestrator. Runs of different owners and
// of the same owner proceed concurrently.
type DispatcherService struct {
	queue     messagequeue.Queue
	runner    PipelineRunner
	workers   int
	queueSize int

	mu      sync.Mutex
	gate    sync.RWMutex // held shared by accept, exclusively by Stop
	jobs    chan RunRequest
	cancel  context.CancelFunc
	unsub   func()
	group   *errgroup.Group
	stopped bool
}

// NewDispatcherService creates a dispatcher with the given worker count and
// local backlog size.
func NewDispatcherService(q messagequeue.Queue, runner PipelineRunner, workers, queueSize int) *DispatcherService {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &DispatcherService{queue: q, runner: runner, workers: workers, queueSize: queueSize}
}

// Submit enqueues req and returns without waiting for the run.
func (d *DispatcherService) Submit(ctx context.Context, req RunRequest) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrDispatcherStopped
	}

	data, err := json.Marshal(messagequeue.RunRequestPayload{
		TaskID:      req.TaskID,
		OwnerID:     req.OwnerID,
		Description: req.Description,
		Mode:        string(req.Mode),
		Model:       req.Model,
		RemoteURL:   req.RemoteURL,
	})
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	return d.queue.Publish(ctx, messagequeue.SubjectRunRequested, data)
}

// Start subscribes to run requests and launches the workers. It returns
// once the subscription is in place.
func (d *DispatcherService) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return errors.New("dispatcher already started")
	}

	wctx, cancel := context.WithCancel(ctx)
	d.jobs = make(chan RunRequest, d.queueSize)

	unsub, err := d.queue.Subscribe(wctx, messagequeue.SubjectRunRequested, func(hctx context.Context, _ string, data []byte) error {
		return d.accept(wctx, hctx, data)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe run requests: %w", err)
	}

	g := &errgroup.Group{}
	for i := range d.workers {
		g.Go(func() error {
			d.work(wctx, i)
			return nil
		})
	}

	d.cancel, d.unsub, d.group = cancel, unsub, g
	slog.Info("dispatcher started", "workers", d.workers, "queue_size", d.queueSize)
	return nil
}

// accept moves one decoded request onto the local backlog, blocking while
// it is full. Once the dispatcher is stopping the request is aborted.
func (d *DispatcherService) accept(wctx, hctx context.Context, data []byte) error {
	d.gate.RLock()
	defer d.gate.RUnlock()

	var p messagequeue.RunRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}
	mode, err := task.ParseMode(p.Mode)
	if err != nil {
		return err
	}
	req := RunRequest{
		TaskID:      p.TaskID,
		OwnerID:     p.OwnerID,
		Description: p.Description,
		Mode:        mode,
		Model:       p.Model,
		RemoteURL:   p.RemoteURL,
	}
	if wctx.Err() != nil {
		d.abort(req)
		return nil
	}
	select {
	case d.jobs <- req:
		slog.DebugContext(hctx, "run request accepted", "task_id", req.TaskID, "request_id", logger.RequestID(hctx))
	case <-wctx.Done():
		d.abort(req)
	}
	return nil
}

func (d *DispatcherService) work(ctx context.Context, id int) {
	for {
		// Stopping wins over a ready backlog; Stop aborts what is left.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case req := <-d.jobs:
			d.runOne(ctx, id, req)
		}
	}
}

// runOne executes req. In-flight runs are not cut short by Stop; their
// processes are still bounded by per-command timeouts.
func (d *DispatcherService) runOne(ctx context.Context, worker int, req RunRequest) {
	slog.Info("run started", "worker", worker, "task_id", req.TaskID, "owner_id", req.OwnerID, "mode", req.Mode)
	res := d.runner.Run(context.WithoutCancel(ctx), req)
	slog.Info("run finished", "worker", worker, "task_id", req.TaskID, "status", res.Status, "skipped", res.Skipped)
	d.finished(context.WithoutCancel(ctx), req, res)
}

// abort fails a request that will not run.
func (d *DispatcherService) abort(req RunRequest) {
	ctx := context.Background()
	res := d.runner.Abort(ctx, req, ErrDispatcherStopped.Error())
	slog.Warn("run aborted", "task_id", req.TaskID, "status", res.Status, "skipped", res.Skipped)
	d.finished(ctx, req, res)
}

// finished announces a terminal status. Skipped requests changed nothing,
// so they are not announced.
func (d *DispatcherService) finished(ctx context.Context, req RunRequest, res RunResult) {
	if res.Skipped {
		return
	}
	data, err := json.Marshal(messagequeue.RunFinishedPayload{
		TaskID:  req.TaskID,
		OwnerID: req.OwnerID,
		Status:  string(res.Status),
		Error:   res.Error,
	})
	if err != nil {
		return
	}
	if err := d.queue.Publish(ctx, messagequeue.SubjectRunFinished, data); err != nil {
		slog.Warn("publish run finished failed", "task_id", req.TaskID, "error", err)
	}
}

// Stop unsubscribes, lets in-flight runs finish and waits for the workers.
// Requests still in the local backlog, or delivered while stopping, are
// aborted so their tasks reach failed.
func (d *DispatcherService) Stop() error {
	d.mu.Lock()
	if d.stopped || d.group == nil {
		d.stopped = true
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	unsub, cancel, g := d.unsub, d.cancel, d.group
	d.mu.Unlock()

	unsub()
	cancel()
	// No accept can enqueue once the gate has cycled.
	d.gate.Lock()
	d.gate.Unlock() //nolint:staticcheck // empty critical section is the barrier
	err := g.Wait()

	for {
		select {
		case req := <-d.jobs:
			d.abort(req)
		default:
			return err
		}
	}
}
