package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inboxkit/syncd/internal/account"
)

// MemoryIndex is an in-process EmailIndex for development mode and tests.
// Injected failures let tests drive the transient-retry path.
type MemoryIndex struct {
	mu       sync.RWMutex
	users    map[string]map[string]account.StoredMessage
	failures []error
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		users: make(map[string]map[string]account.StoredMessage),
	}
}

// FailWrites queues errors to be returned, in order, by the next write
// calls before any state is touched.
func (m *MemoryIndex) FailWrites(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// popFailure returns the next injected error, if any. Caller holds mu.
func (m *MemoryIndex) popFailure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// Exists reports whether the message id is indexed for the user.
func (m *MemoryIndex) Exists(ctx context.Context, userID, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID][id]
	return ok, nil
}

// Insert stores a new message, refusing to overwrite an existing id.
func (m *MemoryIndex) Insert(ctx context.Context, msg *account.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(); err != nil {
		return err
	}

	msgs, ok := m.users[msg.UserID]
	if !ok {
		msgs = make(map[string]account.StoredMessage)
		m.users[msg.UserID] = msgs
	}
	if _, exists := msgs[msg.ID]; exists {
		return ErrConflict
	}
	msgs[msg.ID] = *msg
	return nil
}

// Update applies a partial patch to an existing message.
func (m *MemoryIndex) Update(ctx context.Context, userID, id string, patch Patch) error {
	if patch.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.popFailure(); err != nil {
		return err
	}

	msg, ok := m.users[userID][id]
	if !ok {
		return ErrNotFound
	}
	if patch.IsRead != nil {
		msg.IsRead = *patch.IsRead
	}
	if patch.IsStarred != nil {
		msg.IsStarred = *patch.IsStarred
	}
	if patch.Category != nil {
		msg.Category = *patch.Category
	}
	msg.UpdatedAt = time.Now().UTC()
	m.users[userID][id] = msg
	return nil
}

// Get retrieves one message by user and id.
func (m *MemoryIndex) Get(ctx context.Context, userID, id string) (*account.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.users[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := msg
	return &out, nil
}

// Search returns a page of the user's messages matching the query,
// newest first with id as tie-breaker.
func (m *MemoryIndex) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(q.Query)

	m.mu.RLock()
	matches := make([]account.StoredMessage, 0)
	for _, msg := range m.users[q.UserID] {
		if matchesQuery(&msg, needle) {
			matches = append(matches, msg)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Date.Equal(matches[j].Date) {
			return matches[i].Date.After(matches[j].Date)
		}
		return matches[i].ID < matches[j].ID
	})

	startIdx := q.Position
	if startIdx > len(matches) {
		startIdx = len(matches)
	}
	endIdx := startIdx + limit
	if endIdx > len(matches) {
		endIdx = len(matches)
	}

	return &SearchResult{
		Messages: matches[startIdx:endIdx],
		Position: q.Position,
	}, nil
}

// Len reports the number of indexed messages for a user.
func (m *MemoryIndex) Len(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID])
}
