package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// MemoryStore is the in-memory arena: runs and nodes live in flat maps keyed
// by id, a run holds only the ordered node id slice. Reads return deep
// clones so callers never observe in-place mutation.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.Run
	nodes map[string]*models.NodeExecution

	auditMu  sync.RWMutex
	auditSeq int64
	audit    map[string][]*AuditEntry // runID → entries in append order

	idemMu sync.RWMutex
	idem   map[string]*IdempotencyRecord
}

// NewMemoryStore builds an empty arena.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*models.Run),
		nodes: make(map[string]*models.NodeExecution),
		audit: make(map[string][]*AuditEntry),
		idem:  make(map[string]*IdempotencyRecord),
	}
}

// NewMemory returns a Store backed entirely by one arena.
func NewMemory() *Store {
	m := NewMemoryStore()
	return &Store{Runs: m, Audit: m, Idempotency: m}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "", "run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, id string, mutate func(*models.Run) error) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", id)
	}
	working := cloneRun(run)
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.runs[id] = working
	return cloneRun(working), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter, page Page) ([]*models.Run, int, error) {
	page = page.Normalize()
	s.mu.RLock()
	matched := make([]*models.Run, 0)
	for _, run := range s.runs {
		if run.OwnerUserID != filter.OwnerUserID {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	s.mu.RUnlock()

	// v7 ids sort by creation time; newest first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := len(matched)
	if page.Offset >= total {
		return []*models.Run{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return matched[page.Offset:end], total, nil
}

func (s *MemoryStore) CountActiveRuns(_ context.Context, ownerUserID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, run := range s.runs {
		if run.OwnerUserID == ownerUserID && !run.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendNode(_ context.Context, runID string, node *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", runID)
	}
	if _, exists := s.nodes[node.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "", "node %s already exists", node.ID)
	}
	s.nodes[node.ID] = cloneNode(node)
	run.NodeIDs = append(run.NodeIDs, node.ID)
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "", "node %s not found", id)
	}
	return cloneNode(node), nil
}

func (s *MemoryStore) UpdateNode(_ context.Context, id string, mutate func(*models.NodeExecution) error) (*models.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "", "node %s not found", id)
	}
	working := cloneNode(node)
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.nodes[id] = working
	return cloneNode(working), nil
}

func (s *MemoryStore) NodesForRun(_ context.Context, runID string) ([]*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, apperr.CodeRunNotFound, "run %s not found", runID)
	}
	nodes := make([]*models.NodeExecution, 0, len(run.NodeIDs))
	for _, nodeID := range run.NodeIDs {
		if node, ok := s.nodes[nodeID]; ok {
			nodes = append(nodes, cloneNode(node))
		}
	}
	return nodes, nil
}

// Append assigns a monotone sequence id, the cursor primary key.
func (s *MemoryStore) Append(_ context.Context, entry *AuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.auditSeq++
	e := *entry
	e.ID = s.auditSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.audit[entry.RunID] = append(s.audit[entry.RunID], &e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, runID, cursor string, limit int) ([]*AuditEntry, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	s.auditMu.RLock()
	defer s.auditMu.RUnlock()
	entries := s.audit[runID]
	out := make([]*AuditEntry, 0, limit)
	for _, e := range entries {
		if e.ID <= after {
			continue
		}
		clone := *e
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = EncodeCursor(out[len(out)-1].ID)
	}
	return out, next, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*IdempotencyRecord, bool, error) {
	s.idemMu.RLock()
	rec, ok := s.idem[key]
	s.idemMu.RUnlock()
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, false, nil
	}
	clone := *rec
	return &clone, true, nil
}

func (s *MemoryStore) Put(_ context.Context, record *IdempotencyRecord) error {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()
	clone := *record
	s.idem[record.Key] = &clone
	return nil
}

// EncodeCursor renders the last seen primary key as an opaque string.
func EncodeCursor(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// DecodeCursor parses a cursor; empty means "from the beginning".
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, "malformed cursor", err)
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, "malformed cursor", err)
	}
	return id, nil
}

func cloneRun(r *models.Run) *models.Run {
	clone := *r
	clone.NodeIDs = append([]string(nil), r.NodeIDs...)
	clone.Tags = append([]string(nil), r.Tags...)
	if r.Output != nil {
		out := *r.Output
		if r.Output.Usage != nil {
			usage := *r.Output.Usage
			out.Usage = &usage
		}
		out.Result = cloneMap(r.Output.Result)
		clone.Output = &out
	}
	if r.Error != nil {
		e := *r.Error
		e.Details = cloneMap(r.Error.Details)
		clone.Error = &e
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	if r.DurationMs != nil {
		d := *r.DurationMs
		clone.DurationMs = &d
	}
	clone.Input.Data = cloneMap(r.Input.Data)
	clone.Input.Context = cloneMap(r.Input.Context)
	clone.Input.Options = cloneMap(r.Input.Options)
	clone.Metadata = cloneMap(r.Metadata)
	return &clone
}

func cloneNode(n *models.NodeExecution) *models.NodeExecution {
	clone := *n
	clone.Input = cloneMap(n.Input)
	clone.Output = cloneMap(n.Output)
	if n.Error != nil {
		e := *n.Error
		e.Details = cloneMap(n.Error.Details)
		clone.Error = &e
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		clone.CompletedAt = &t
	}
	if n.DurationMs != nil {
		d := *n.DurationMs
		clone.DurationMs = &d
	}
	if n.RetryDelayMs != nil {
		d := *n.RetryDelayMs
		clone.RetryDelayMs = &d
	}
	return &clone
}

// cloneMap copies one level deep plus nested map[string]any values; other
// reference values are shared, which is acceptable because handlers treat
// inputs as read-only.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

var _ RunStore = (*MemoryStore)(nil)
var _ AuditStore = (*MemoryStore)(nil)
var _ IdempotencyStore = (*MemoryStore)(nil)

// String implements fmt.Stringer for debug logging.
func (s *MemoryStore) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("memory store: %d runs, %d nodes", len(s.runs), len(s.nodes))
}
