package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/metrics"
)

// Handler processes one job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Worker pulls jobs and dispatches them to a handler with bounded
// concurrency. Jobs sharing a task ID are serialized through a keyed mutex
// so at most one turn per conversation is in flight.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewWorker builds a worker.
func NewWorker(q *Queue, handler Handler, concurrency int, logger *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
		locks:       make(map[string]*taskLock),
	}
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight jobs
// to finish.
func (w *Worker) Run(ctx context.Context) {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	w.logger.Info("Worker started", zap.Int("concurrency", w.concurrency))
	for {
		// Hold a slot before pulling so a dequeued job always has capacity
		// and is never dropped waiting for one.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		job, err := w.queue.Dequeue(ctx, 2*time.Second)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("Dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			<-sem
			continue
		}

		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.dispatch(ctx, job)
		}(*job)
	}

	wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) dispatch(ctx context.Context, job Job) {
	if job.TaskID != "" {
		unlock := w.lockTask(job.TaskID)
		defer unlock()
	}

	logger := w.logger.With(
		zap.String("job_type", string(job.Type)),
		zap.String("task_id", job.TaskID),
		zap.String("output_id", job.OutputID),
	)
	logger.Info("Processing job")

	// A handler panic must not take down the whole worker process.
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordJob(string(job.Type), "error")
			logger.Error("Job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if err := w.handler.Handle(ctx, job); err != nil {
		metrics.RecordJob(string(job.Type), "error")
		logger.Error("Job failed", zap.Error(err))
		return
	}
	metrics.RecordJob(string(job.Type), "ok")
	logger.Info("Job complete")
}

// lockTask acquires the per-task mutex, creating it on first use and
// dropping it when the last holder releases.
func (w *Worker) lockTask(taskID string) func() {
	w.mu.Lock()
	l, ok := w.locks[taskID]
	if !ok {
		l = &taskLock{}
		w.locks[taskID] = l
	}
	l.refs++
	w.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		w.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.locks, taskID)
		}
		w.mu.Unlock()
	}
}
