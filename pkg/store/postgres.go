package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// PostgresStore persists runs, nodes, audit entries, and idempotency records
// in PostgreSQL. Entities are stored as JSONB documents with the columns
// needed for filtering extracted alongside; run mutations are serialized
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	document   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_owner_idx ON runs (owner_id, id DESC);

CREATE TABLE IF NOT EXISTS nodes (
	id       TEXT PRIMARY KEY,
	run_id   TEXT NOT NULL REFERENCES runs(id),
	seq      BIGINT GENERATED ALWAYS AS IDENTITY,
	document JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS nodes_run_idx ON nodes (run_id, seq);

CREATE TABLE IF NOT EXISTS audit_log (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id     TEXT NOT NULL,
	entry      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_run_created_idx ON audit_log (run_id, created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgres connects, bootstraps the schema, and returns the aggregate
// Store backed by the pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Store, *PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("bootstrapping schema: %w", err)
	}
	ps := &PostgresStore{pool: pool}
	return &Store{Runs: ps, Audit: ps, Idempotency: ps}, ps, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping reports store reachability for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, owner_id, agent_id, status, document) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.OwnerUserID, run.AgentID, string(run.Status), doc)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM runs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return unmarshalRun(doc)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, mutate func(*models.Run) error) (*models.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking run: %w", err)
	}
	run, err := unmarshalRun(doc)
	if err != nil {
		return nil, err
	}
	if err := mutate(run); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshaling run: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET document = $2, status = $3 WHERE id = $1`,
		id, updated, string(run.Status)); err != nil {
		return nil, fmt.Errorf("updating run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing run update: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter, page Page) ([]*models.Run, int, error) {
	page = page.Normalize()
	where := `owner_id = $1`
	args := []any{filter.OwnerUserID}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM runs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT document FROM runs WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Run, 0, page.Limit)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, fmt.Errorf("scanning run: %w", err)
		}
		run, err := unmarshalRun(doc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) CountActiveRuns(ctx context.Context, ownerUserID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE owner_id = $1 AND status IN ('pending', 'running')`,
		ownerUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active runs: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) AppendNode(ctx context.Context, runID string, node *models.NodeExecution) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshaling node: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO nodes (id, run_id, document) VALUES ($1, $2, $3)`,
		node.ID, runID, doc); err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	// Keep the run document's node_ids in step with the nodes table.
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET document = jsonb_set(document, '{node_ids}',
		   coalesce(document->'node_ids', '[]'::jsonb) || to_jsonb($2::text))
		 WHERE id = $1`, runID, node.ID)
	if err != nil {
		return fmt.Errorf("appending node id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", runID)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.NodeExecution, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM nodes WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "", "node %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return unmarshalNode(doc)
}

func (s *PostgresStore) UpdateNode(ctx context.Context, id string, mutate func(*models.NodeExecution) error) (*models.NodeExecution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM nodes WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "", "node %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking node: %w", err)
	}
	node, err := unmarshalNode(doc)
	if err != nil {
		return nil, err
	}
	if err := mutate(node); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshaling node: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE nodes SET document = $2 WHERE id = $1`, id, updated); err != nil {
		return nil, fmt.Errorf("updating node: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing node update: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) NodesForRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document FROM nodes WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.NodeExecution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		node, err := unmarshalNode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, entry *AuditEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (run_id, entry) VALUES ($1, $2)`, entry.RunID, doc)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, runID, cursor string, limit int) ([]*AuditEntry, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, entry, created_at FROM audit_log
		 WHERE run_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		runID, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]*AuditEntry, 0, limit)
	for rows.Next() {
		var (
			id        int64
			doc       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &doc, &createdAt); err != nil {
			return nil, "", fmt.Errorf("scanning audit entry: %w", err)
		}
		var entry AuditEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, "", fmt.Errorf("unmarshaling audit entry: %w", err)
		}
		entry.ID = id
		entry.CreatedAt = createdAt
		out = append(out, &entry)
	}
	next := ""
	if len(out) == limit {
		next = EncodeCursor(out[len(out)-1].ID)
	}
	return out, next, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, run_id, owner_id, expires_at FROM idempotency_keys
		 WHERE key = $1 AND expires_at > now()`, key).
		Scan(&rec.Key, &rec.RunID, &rec.OwnerID, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying idempotency key: %w", err)
	}
	return &rec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, record *IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, run_id, owner_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET run_id = $2, owner_id = $3, expires_at = $4`,
		record.Key, record.RunID, record.OwnerID, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

func unmarshalRun(doc []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}
	return &run, nil
}

func unmarshalNode(doc []byte) (*models.NodeExecution, error) {
	var node models.NodeExecution
	if err := json.Unmarshal(doc, &node); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	return &node, nil
}

var _ RunStore = (*PostgresStore)(nil)
var _ AuditStore = (*PostgresStore)(nil)
var _ IdempotencyStore = (*PostgresStore)(nil)
