package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/metrics"
)

// Config tunes the worker pool.
type Config struct {
	// WorkerCount is the number of polling consumers.
	WorkerCount int
	// PollInterval is the idle wait between empty polls.
	PollInterval time.Duration
	// PollJitter spreads concurrent workers' polls apart.
	PollJitter time.Duration
	// JobTimeout bounds one job execution.
	JobTimeout time.Duration
	// Queue is the metrics label for this pool.
	Queue string
}

func (c Config) queueLabel() string {
	if c.Queue == "" {
		return "runs"
	}
	return c.Queue
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

// Pool manages the queue workers and the cancel registry for in-flight
// queued runs.
type Pool struct {
	podID    string
	bridge   Bridge
	executor Executor
	cfg      Config
	metrics  *metrics.Metrics
	workers  []*Worker

	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc
	started    bool
}

// NewPool creates a worker pool draining bridge into executor.
func NewPool(podID string, bridge Bridge, executor Executor, cfg Config, m *metrics.Metrics) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		podID:      podID,
		bridge:     bridge,
		executor:   executor,
		cfg:        cfg,
		metrics:    m,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call more than once;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.bridge, p.executor, p, p.cfg, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	if active := p.ActiveRunIDs(); len(active) > 0 {
		slog.Info("Waiting for active jobs to complete", "count", len(active), "run_ids", active)
	}
	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped gracefully")
}

// CancelRun cancels an in-flight queued run on this pod. Returns false when
// the run is not executing here.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[runID]; ok {
		cancel()
		return true
	}
	return false
}

// ActiveRunIDs lists runs currently executing on this pod.
func (p *Pool) ActiveRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		out = append(out, id)
	}
	return out
}

// PoolHealth is a snapshot of the pool for the detailed health endpoint.
type PoolHealth struct {
	PodID         string         `json:"pod_id"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveWorkers int            `json:"active_workers"`
	QueueDepth    int            `json:"queue_depth"`
	QueueError    string         `json:"queue_error,omitempty"`
	Workers       []WorkerHealth `json:"workers"`
}

// Health reports worker states and the queue depth.
func (p *Pool) Health(ctx context.Context) PoolHealth {
	h := PoolHealth{PodID: p.podID, TotalWorkers: len(p.workers)}
	for _, worker := range p.workers {
		wh := worker.Health()
		h.Workers = append(h.Workers, wh)
		if wh.Status == WorkerStatusWorking {
			h.ActiveWorkers++
		}
	}
	depth, err := p.bridge.Depth(ctx)
	if err != nil {
		h.QueueError = err.Error()
	}
	h.QueueDepth = depth
	return h
}

func (p *Pool) registerJob(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[runID] = cancel
}

func (p *Pool) unregisterJob(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, runID)
}
