package search

import (
	"context"
	"errors"
	"testing"

	"github.com/inboxkit/syncd/internal/vectorstore"
)

// mockEmbedder implements Embedder for testing.
type mockEmbedder struct {
	embedFunc func(ctx context.Context, text string) ([]float32, error)
	calls     []string
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls = append(m.calls, text)
	if m.embedFunc != nil {
		return m.embedFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// mockVectorStore implements VectorQuerier for testing.
type mockVectorStore struct {
	queryFunc  func(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error)
	queryCalls []vectorstore.QueryRequest
}

func (m *mockVectorStore) QueryVectors(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error) {
	m.queryCalls = append(m.queryCalls, req)
	if m.queryFunc != nil {
		return m.queryFunc(ctx, userID, req)
	}
	return nil, nil
}

func result(id, receivedAt string, distance float32) vectorstore.QueryResult {
	return vectorstore.QueryResult{
		Key:      id,
		Distance: distance,
		Metadata: map[string]any{
			"id":         id,
			"receivedAt": receivedAt,
		},
	}
}

func TestVectorSearcher_SortsNewestFirst(t *testing.T) {
	embedder := &mockEmbedder{}
	store := &mockVectorStore{
		queryFunc: func(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error) {
			return []vectorstore.QueryResult{
				result("u1|a@x.com|41", "2026-08-20T10:00:00Z", 0.1),
				result("u1|a@x.com|42", "2026-08-21T10:00:00Z", 0.2),
				result("u1|a@x.com|40", "2026-08-19T10:00:00Z", 0.3),
			}, nil
		},
	}

	vs := NewVectorSearcher(embedder, store)
	ids, err := vs.Search(context.Background(), "u1", "quarterly report", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	want := []string{"u1|a@x.com|42", "u1|a@x.com|41", "u1|a@x.com|40"}
	if len(ids) != len(want) {
		t.Fatalf("Search() returned %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	if len(embedder.calls) != 1 || embedder.calls[0] != "quarterly report" {
		t.Errorf("embedder calls = %v, want the query text once", embedder.calls)
	}
}

func TestVectorSearcher_DeduplicatesAndLimits(t *testing.T) {
	store := &mockVectorStore{
		queryFunc: func(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error) {
			return []vectorstore.QueryResult{
				result("u1|a@x.com|42", "2026-08-21T10:00:00Z", 0.1),
				result("u1|a@x.com|42", "2026-08-21T10:00:00Z", 0.15),
				result("u1|a@x.com|41", "2026-08-20T10:00:00Z", 0.2),
				result("u1|a@x.com|40", "2026-08-19T10:00:00Z", 0.3),
			}, nil
		},
	}

	vs := NewVectorSearcher(&mockEmbedder{}, store)
	ids, err := vs.Search(context.Background(), "u1", "report", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Search() returned %d ids, want 2", len(ids))
	}
	if ids[0] != "u1|a@x.com|42" || ids[1] != "u1|a@x.com|41" {
		t.Errorf("ids = %v, want the two newest unique messages", ids)
	}
}

func TestVectorSearcher_TopKHeadroom(t *testing.T) {
	store := &mockVectorStore{}
	vs := NewVectorSearcher(&mockEmbedder{}, store)

	if _, err := vs.Search(context.Background(), "u1", "report", 5); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := store.queryCalls[0].TopK; got != 50 {
		t.Errorf("TopK for small limit = %d, want floor of 50", got)
	}

	if _, err := vs.Search(context.Background(), "u1", "report", 100); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := store.queryCalls[1].TopK; got != 300 {
		t.Errorf("TopK for limit 100 = %d, want 300", got)
	}
}

func TestVectorSearcher_EmptyQueryMatchesNothing(t *testing.T) {
	embedder := &mockEmbedder{}
	store := &mockVectorStore{}
	vs := NewVectorSearcher(embedder, store)

	ids, err := vs.Search(context.Background(), "u1", "   ", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Search() = %v, want empty", ids)
	}
	if len(embedder.calls) != 0 || len(store.queryCalls) != 0 {
		t.Error("empty query must not reach the embedder or the store")
	}
}

func TestVectorSearcher_EmbedError(t *testing.T) {
	embedder := &mockEmbedder{
		embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("throttled")
		},
	}
	vs := NewVectorSearcher(embedder, &mockVectorStore{})

	if _, err := vs.Search(context.Background(), "u1", "report", 10); err == nil {
		t.Fatal("Search() error = nil, want embed failure")
	}
}

func TestVectorSearcher_QueryError(t *testing.T) {
	store := &mockVectorStore{
		queryFunc: func(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error) {
			return nil, errors.New("index unavailable")
		},
	}
	vs := NewVectorSearcher(&mockEmbedder{}, store)

	if _, err := vs.Search(context.Background(), "u1", "report", 10); err == nil {
		t.Fatal("Search() error = nil, want query failure")
	}
}

func TestVectorSearcher_SkipsResultsWithoutID(t *testing.T) {
	store := &mockVectorStore{
		queryFunc: func(ctx context.Context, userID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error) {
			return []vectorstore.QueryResult{
				{Distance: 0.1, Metadata: map[string]any{"receivedAt": "2026-08-21T10:00:00Z"}},
				result("u1|a@x.com|41", "2026-08-20T10:00:00Z", 0.2),
			}, nil
		},
	}
	vs := NewVectorSearcher(&mockEmbedder{}, store)

	ids, err := vs.Search(context.Background(), "u1", "report", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1|a@x.com|41" {
		t.Errorf("ids = %v, want only the identified result", ids)
	}
}
