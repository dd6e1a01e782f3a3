package browser

import (
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// Session is one live browser session. It exclusively owns its browser and
// context; closing releases both, context first.
type Session struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	Tags      []string

	browser Browser
	context BrowserContext

	mu       sync.Mutex
	lastUsed time.Time
}

// newSession registers freshly launched handles under a v7 id.
func newSession(kind Kind, br Browser, bc BrowserContext) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        models.NewID(),
		Kind:      kind,
		CreatedAt: now,
		Tags:      []string{},
		browser:   br,
		context:   bc,
		lastUsed:  now,
	}
}

// Context returns the session's browser context for page creation.
func (s *Session) Context() BrowserContext { return s.context }

// Touch records use of the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now().UTC()
	s.mu.Unlock()
}

// LastUsedAt returns the last borrow time.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// close releases context then browser. Both closes are attempted even when
// the first fails.
func (s *Session) close() error {
	ctxErr := s.context.Close()
	brErr := s.browser.Close()
	if ctxErr != nil {
		return ctxErr
	}
	return brErr
}

// Info is the metadata snapshot returned by List.
type Info struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"browser_kind"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Tags       []string  `json:"tags"`
}

// Store is the keyed container of live sessions. Size is O(1), List O(n).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers a session.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

// Get looks up a session without touching it.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Remove deletes a session entry, returning it if present.
func (st *Store) Remove(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	return s, ok
}

// Size returns the number of live sessions.
func (st *Store) Size() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List snapshots session metadata.
func (st *Store) List() []Info {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Info, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, Info{
			ID:         s.ID,
			Kind:       s.Kind,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt(),
			Tags:       append([]string(nil), s.Tags...),
		})
	}
	return out
}

// IDs snapshots the session id set.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}
