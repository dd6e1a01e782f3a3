// Package queue carries asynchronous run dispatch: a bridge abstracts the
// durable queue (redis streams in production, an in-memory channel in tests
// and single-node setups) and a worker pool drains it.
package queue

import (
	"context"
	"errors"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Sentinel errors returned by Dequeue.
var (
	// ErrEmpty means no job is currently available.
	ErrEmpty = errors.New("queue: no jobs available")
	// ErrClosed means the bridge has shut down.
	ErrClosed = errors.New("queue: bridge closed")
)

// Job is one queued run execution request. Attempts is the remaining
// delivery budget; a job enters the queue with 3 attempts and is dropped
// once they are spent.
type Job struct {
	RunID     string           `json:"run_id"`
	NodeID    string           `json:"node_id"`
	AgentKind models.AgentKind `json:"agent_kind"`
	UserID    string           `json:"user_id"`
	Attempts  int              `json:"attempts"`
}

// DefaultAttempts is the delivery budget for a fresh job.
const DefaultAttempts = 3

// Delivery is a dequeued job plus the receipt needed to settle it.
type Delivery struct {
	Job     Job
	Receipt string
}

// Bridge is the durable queue boundary. Dequeue is non-blocking and
// returns ErrEmpty when nothing is pending; workers poll with jitter.
type Bridge interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack settles a delivery permanently.
	Ack(ctx context.Context, d Delivery) error
	// Nack returns the job to the queue with one fewer attempt. A job with
	// no attempts left is settled and dropped.
	Nack(ctx context.Context, d Delivery) error
	Depth(ctx context.Context) (int, error)
	Close() error
}
