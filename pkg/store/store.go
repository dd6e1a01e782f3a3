// Package store persists runs, nodes, audit logs, and idempotency records.
// Two implementations exist: the in-memory arena (default) and a PostgreSQL
// adapter. Runs reference nodes by id; both are addressed through the store
// rather than owning pointers.
package store

import (
	"context"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies defaults and caps.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 25
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RunFilter narrows a run listing. OwnerUserID is always required: every
// read path is owner-scoped.
type RunFilter struct {
	OwnerUserID string
	AgentID     string
	Status      models.RunStatus
}

// RunStore stores runs and their nodes. Mutations go through Update
// callbacks so state transitions for a given run are serialized; reads
// return snapshots that never alias store-owned state.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, id string, mutate func(*models.Run) error) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter, page Page) ([]*models.Run, int, error)
	CountActiveRuns(ctx context.Context, ownerUserID string) (int, error)

	AppendNode(ctx context.Context, runID string, node *models.NodeExecution) error
	GetNode(ctx context.Context, id string) (*models.NodeExecution, error)
	UpdateNode(ctx context.Context, id string, mutate func(*models.NodeExecution) error) (*models.NodeExecution, error)
	NodesForRun(ctx context.Context, runID string) ([]*models.NodeExecution, error)
}

// AuditEntry is one audit log line for a run, ordered by (runID, createdAt).
type AuditEntry struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Actor     string         `json:"actor"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore appends and pages audit entries. Cursors are opaque strings
// encoding the last seen primary key.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, runID, cursor string, limit int) ([]*AuditEntry, string, error)
}

// IdempotencyRecord remembers the outcome of a keyed request until expiry.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	RunID     string    `json:"run_id"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdempotencyStore stores replay records. Get misses after expiry.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	Put(ctx context.Context, record *IdempotencyRecord) error
}

// Store aggregates the three stores a deployment needs.
type Store struct {
	Runs        RunStore
	Audit       AuditStore
	Idempotency IdempotencyStore
}
