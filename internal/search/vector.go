// Package search ranks a user's messages against a free-text query by
// vector similarity: embed the query, probe the user's vector index,
// dedupe, and return message IDs newest first.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/inboxkit/syncd/internal/vectorstore"
)

// DefaultLimit applies when a search asks for no explicit limit.
const DefaultLimit = 25

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorQuerier queries vectors from the vector store.
type VectorQuerier interface {
	QueryVectors(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error)
}

// VectorSearcher orchestrates semantic search: embed query → query vectors
// → dedupe → sort by receivedAt descending.
type VectorSearcher struct {
	embedder Embedder
	store    VectorQuerier
}

// NewVectorSearcher creates a VectorSearcher.
func NewVectorSearcher(embedder Embedder, store VectorQuerier) *VectorSearcher {
	return &VectorSearcher{
		embedder: embedder,
		store:    store,
	}
}

// hit is an internal type for sorting results.
type hit struct {
	id         string
	receivedAt string
}

// Search returns up to limit message IDs for the user's query, newest
// first. Vector metadata carries the message id and RFC 3339 receivedAt,
// so string ordering is chronological. An empty query matches nothing.
func (vs *VectorSearcher) Search(ctx context.Context, userID, query string, limit int) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	vector, err := vs.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Headroom over the limit absorbs duplicate hits before dedup.
	topK := int32(limit * 3)
	if topK < 50 {
		topK = 50
	}

	results, err := vs.store.QueryVectors(ctx, userID, vectorstore.QueryRequest{
		Vector: vector,
		TopK:   topK,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	seen := make(map[string]bool)
	var hits []hit
	for _, r := range results {
		id, _ := r.Metadata["id"].(string)
		if id == "" {
			id = r.Key
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		receivedAt, _ := r.Metadata["receivedAt"].(string)
		hits = append(hits, hit{id: id, receivedAt: receivedAt})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].receivedAt > hits[j].receivedAt
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.id)
	}
	return ids, nil
}
