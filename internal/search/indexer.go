package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/vectorstore"
)

// VectorWriter is the vector store surface the indexer writes through.
type VectorWriter interface {
	EnsureIndex(ctx context.Context, userID string) error
	PutVector(ctx context.Context, userID string, vector vectorstore.Vector) error
}

// VectorIndexer embeds stored messages and writes them to the user's
// vector index, keeping semantic search current with ingestion.
type VectorIndexer struct {
	embedder Embedder
	store    VectorWriter
}

// NewVectorIndexer creates a VectorIndexer.
func NewVectorIndexer(embedder Embedder, store VectorWriter) *VectorIndexer {
	return &VectorIndexer{
		embedder: embedder,
		store:    store,
	}
}

// IndexMessage embeds the message's subject and body and upserts the
// vector under the message id. The metadata carries what Search ranks
// and filters on. An empty message is skipped.
func (ix *VectorIndexer) IndexMessage(ctx context.Context, msg *account.StoredMessage) error {
	text := strings.TrimSpace(msg.Subject + "\n" + msg.Body)
	if text == "" {
		return nil
	}

	vector, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed message %s: %w", msg.ID, err)
	}

	if err := ix.store.EnsureIndex(ctx, msg.UserID); err != nil {
		return err
	}
	return ix.store.PutVector(ctx, msg.UserID, vectorstore.Vector{
		Key:  msg.ID,
		Data: vector,
		Metadata: map[string]any{
			"id":         msg.ID,
			"email":      msg.Email,
			"receivedAt": msg.Date.UTC().Format(time.RFC3339),
			"category":   string(msg.Category),
		},
	})
}
