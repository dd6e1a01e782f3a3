package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/metrics"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Executor runs a dequeued job to its terminal state. It owns the run's
// status transitions; the worker only settles the delivery.
type Executor interface {
	ExecuteQueued(ctx context.Context, job Job) error
}

// jobRegistry is the subset of Pool used by a worker to expose cancel
// handles for in-flight runs.
type jobRegistry interface {
	registerJob(runID string, cancel context.CancelFunc)
	unregisterJob(runID string)
}

// Worker is a single polling consumer of the bridge.
type Worker struct {
	id       string
	bridge   Bridge
	executor Executor
	registry jobRegistry
	cfg      Config
	metrics  *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	jobsProcessed int
	lastActivity  time.Time
}

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentRunID  string       `json:"current_run_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// NewWorker creates a queue worker.
func NewWorker(id string, bridge Bridge, executor Executor, registry jobRegistry, cfg Config, m *metrics.Metrics) *Worker {
	return &Worker{
		id:           id,
		bridge:       bridge,
		executor:     executor,
		registry:     registry,
		cfg:          cfg,
		metrics:      m,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current job to finish.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's current state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentRunID:  w.currentRunID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Queue worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, queue worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrEmpty) {
					w.sleep(w.pollInterval())
					continue
				}
				if errors.Is(err, ErrClosed) {
					log.Info("Queue bridge closed, worker exiting")
					return
				}
				log.Error("Error processing queued job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for d or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one delivery, executes it under the job deadline,
// and settles it. Transient executor failures with attempts left are
// requeued; fatal failures and exhausted jobs are settled for good.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	d, err := w.bridge.Dequeue(ctx)
	if err != nil {
		return err
	}

	log := slog.With("run_id", d.Job.RunID, "worker_id", w.id)
	log.Info("Job claimed", "attempts_left", d.Job.Attempts)

	w.setStatus(WorkerStatusWorking, d.Job.RunID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	w.registry.registerJob(d.Job.RunID, cancel)
	defer w.registry.unregisterJob(d.Job.RunID)

	execErr := w.executor.ExecuteQueued(jobCtx, d.Job)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	// Settle on a background context; the job context may already be dead.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer settleCancel()

	switch {
	case execErr == nil:
		w.metrics.QueueJobs.WithLabelValues(w.cfg.queueLabel(), "completed").Inc()
		log.Info("Job completed")
		return w.bridge.Ack(settleCtx, d)
	case apperr.Fatal(execErr) || d.Job.Attempts <= 1:
		w.metrics.QueueJobs.WithLabelValues(w.cfg.queueLabel(), "failed").Inc()
		log.Warn("Job failed permanently", "error", execErr, "attempts_left", d.Job.Attempts)
		return w.bridge.Ack(settleCtx, d)
	default:
		w.metrics.QueueJobs.WithLabelValues(w.cfg.queueLabel(), "retried").Inc()
		log.Warn("Job failed, requeueing", "error", execErr, "attempts_left", d.Job.Attempts-1)
		return w.bridge.Nack(settleCtx, d)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
