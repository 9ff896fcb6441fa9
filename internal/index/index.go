// Package index stores and queries ingested messages. The index is the
// exactly-once boundary of the sync path: Insert never overwrites, so a
// replayed UID surfaces as ErrConflict instead of a duplicate record.
package index

import (
	"context"
	"errors"

	"github.com/inboxkit/syncd/internal/account"
)

// Error types for index operations. Write failures are classified as
// either a definitive outcome (conflict, not found) or transient; callers
// retry only the transient class.
var (
	ErrConflict  = errors.New("message already indexed")
	ErrNotFound  = errors.New("message not found")
	ErrTransient = errors.New("transient index error")
)

// DefaultSearchLimit applies when a query asks for no explicit limit.
const DefaultSearchLimit = 25

// Patch is a partial update to a stored message. Nil fields are left
// unchanged.
type Patch struct {
	IsRead    *bool
	IsStarred *bool
	Category  *account.Category
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.IsRead == nil && p.IsStarred == nil && p.Category == nil
}

// SearchQuery selects messages for one user by case-insensitive substring
// match over subject and body. An empty Query matches everything.
type SearchQuery struct {
	UserID   string
	Query    string
	Position int
	Limit    int
}

// SearchResult holds one page of matches, newest first.
type SearchResult struct {
	Messages []account.StoredMessage
	Position int
}

// EmailIndex defines the storage interface for ingested messages. Every
// read and write is scoped to a userId; no operation can cross users.
type EmailIndex interface {
	// Exists reports whether the message id is already indexed for the user.
	Exists(ctx context.Context, userID, id string) (bool, error)
	// Insert stores a new message. It never overwrites: an existing id
	// yields ErrConflict, any other failure wraps ErrTransient.
	Insert(ctx context.Context, msg *account.StoredMessage) error
	// Update applies a partial patch to an existing message and bumps
	// updatedAt. A missing id yields ErrNotFound, any other failure wraps
	// ErrTransient. An empty patch is a no-op.
	Update(ctx context.Context, userID, id string, patch Patch) error
	// Get retrieves one message, or ErrNotFound.
	Get(ctx context.Context, userID, id string) (*account.StoredMessage, error)
	// Search returns a page of the user's messages matching the query,
	// newest first.
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}
