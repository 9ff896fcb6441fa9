package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/classify"
	"github.com/inboxkit/syncd/internal/deadletter"
	"github.com/inboxkit/syncd/internal/index"
	"github.com/inboxkit/syncd/internal/searchindex"
)

var testKey = account.AccountKey{UserID: "u1", Email: "a@x.com"}

// fixedClassifier always returns the same category.
type fixedClassifier struct {
	category account.Category
}

func (c *fixedClassifier) Classify(ctx context.Context, in classify.Input) account.Category {
	return c.category
}

type mockDeadletter struct {
	published []deadletter.Abandoned
}

func (m *mockDeadletter) PublishAbandoned(ctx context.Context, msg deadletter.Abandoned) error {
	m.published = append(m.published, msg)
	return nil
}

type mockSearchPublisher struct {
	requests []searchindex.Request
}

func (m *mockSearchPublisher) PublishIndexRequest(ctx context.Context, req searchindex.Request) error {
	m.requests = append(m.requests, req)
	return nil
}

func rawMessage(uid uint64) *account.RawMessage {
	return &account.RawMessage{
		UID:         uid,
		Subject:     "Hello",
		From:        "sender@remote.com",
		To:          []string{"a@x.com"},
		Date:        time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		SourceBytes: []byte("Subject: Hello\r\n\r\nsounds good, see you then"),
	}
}

func newTestPipeline(idx index.EmailIndex, b *bus.Bus, search searchindex.Publisher, dlq deadletter.Publisher) *Pipeline {
	return New(idx, &fixedClassifier{category: account.CategoryInterested}, b, search, dlq, nil)
}

func TestPipeline_IngestHappyPath(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	b := bus.New(nil)
	sub := b.Subscribe("test", 8, bus.TopicNewMessage)
	search := &mockSearchPublisher{}
	p := newTestPipeline(idx, b, search, nil)

	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	wantID := "u1|a@x.com|42"
	stored, err := idx.Get(ctx, "u1", wantID)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", wantID, err)
	}
	if stored.Category != account.CategoryInterested {
		t.Errorf("Category = %q, want %q", stored.Category, account.CategoryInterested)
	}
	if stored.IsRead || stored.IsStarred {
		t.Errorf("defaults: isRead=%v isStarred=%v, want false/false", stored.IsRead, stored.IsStarred)
	}
	if stored.Body == "" {
		t.Error("Body was not extracted from source bytes")
	}

	select {
	case ev := <-sub.C():
		payload, ok := ev.Payload.(account.NewMessageEvent)
		if !ok {
			t.Fatalf("payload type = %T, want NewMessageEvent", ev.Payload)
		}
		if payload.Message.ID != wantID {
			t.Errorf("event message id = %q, want %q", payload.Message.ID, wantID)
		}
	default:
		t.Fatal("no NewMessage event published")
	}

	if len(search.requests) != 1 || search.requests[0].ID != wantID {
		t.Errorf("search index requests = %+v, want one for %q", search.requests, wantID)
	}
}

func TestPipeline_DuplicateSuppression(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	b := bus.New(nil)
	sub := b.Subscribe("test", 8, bus.TopicNewMessage)
	p := newTestPipeline(idx, b, nil, nil)

	for i := 0; i < 2; i++ {
		if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
			t.Fatalf("Ingest() #%d error = %v", i+1, err)
		}
	}

	if got := idx.Len("u1"); got != 1 {
		t.Errorf("index holds %d messages, want 1", got)
	}

	events := 0
	for {
		select {
		case <-sub.C():
			events++
			continue
		default:
		}
		break
	}
	if events != 1 {
		t.Errorf("published %d events, want 1", events)
	}
}

func TestPipeline_TransientThenOK(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.FailWrites(index.ErrTransient)
	b := bus.New(nil)
	sub := b.Subscribe("test", 8, bus.TopicNewMessage)
	p := newTestPipeline(idx, b, nil, nil)

	start := time.Now()
	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	elapsed := time.Since(start)

	// The first retry waits 200ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 150ms (retry delay)", elapsed)
	}
	if got := idx.Len("u1"); got != 1 {
		t.Errorf("index holds %d messages, want 1", got)
	}
	select {
	case <-sub.C():
	default:
		t.Error("no event after transient-then-ok insert")
	}
}

func TestPipeline_AbandonAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.FailWrites(index.ErrTransient, index.ErrTransient, index.ErrTransient, index.ErrTransient)
	b := bus.New(nil)
	sub := b.Subscribe("test", 8, bus.TopicNewMessage)
	dlq := &mockDeadletter{}
	p := newTestPipeline(idx, b, nil, dlq)

	err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42))
	if err == nil {
		t.Fatal("Ingest() error = nil, want abandonment error")
	}

	if got := idx.Len("u1"); got != 0 {
		t.Errorf("index holds %d messages, want 0", got)
	}
	select {
	case ev := <-sub.C():
		t.Errorf("unexpected event after abandonment: %+v", ev)
	default:
	}
	if len(dlq.published) != 1 {
		t.Fatalf("dead-letter records = %d, want 1", len(dlq.published))
	}
	if dlq.published[0].UID != 42 {
		t.Errorf("dead-letter uid = %d, want 42", dlq.published[0].UID)
	}
}

// staleExistsIndex reports every id as absent, simulating a replica that
// lags behind a concurrent insert. Insert's conflict check remains the
// authority.
type staleExistsIndex struct {
	*index.MemoryIndex
}

func (s *staleExistsIndex) Exists(ctx context.Context, userID, id string) (bool, error) {
	return false, nil
}

func TestPipeline_InsertConflictIsSilent(t *testing.T) {
	ctx := context.Background()
	idx := &staleExistsIndex{MemoryIndex: index.NewMemoryIndex()}
	b := bus.New(nil)
	p := newTestPipeline(idx, b, nil, nil)

	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("seed Ingest() error = %v", err)
	}

	sub := b.Subscribe("test", 8, bus.TopicNewMessage)
	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("duplicate Ingest() error = %v", err)
	}

	if got := idx.Len("u1"); got != 1 {
		t.Errorf("index holds %d messages, want 1", got)
	}
	select {
	case ev := <-sub.C():
		t.Errorf("unexpected event for duplicate: %+v", ev)
	default:
	}
}

type mockVectorIndexer struct {
	indexFunc func(ctx context.Context, msg *account.StoredMessage) error
	indexed   []string
}

func (m *mockVectorIndexer) IndexMessage(ctx context.Context, msg *account.StoredMessage) error {
	m.indexed = append(m.indexed, msg.ID)
	if m.indexFunc != nil {
		return m.indexFunc(ctx, msg)
	}
	return nil
}

func TestPipeline_VectorIndexingAfterInsert(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	p := newTestPipeline(idx, bus.New(nil), nil, nil)
	vectors := &mockVectorIndexer{}
	p.UseVectorIndexer(vectors)

	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(vectors.indexed) != 1 || vectors.indexed[0] != "u1|a@x.com|42" {
		t.Errorf("vector indexed = %v, want the stored message", vectors.indexed)
	}

	// A duplicate never reaches the vector store.
	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("duplicate Ingest() error = %v", err)
	}
	if len(vectors.indexed) != 1 {
		t.Errorf("vector indexed after duplicate = %v, want unchanged", vectors.indexed)
	}
}

func TestPipeline_VectorIndexingFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	p := newTestPipeline(idx, bus.New(nil), nil, nil)
	p.UseVectorIndexer(&mockVectorIndexer{
		indexFunc: func(ctx context.Context, msg *account.StoredMessage) error {
			return context.DeadlineExceeded
		},
	})

	// A vector store outage must not fail ingestion.
	if err := p.Ingest(ctx, testKey, "INBOX", rawMessage(42)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := idx.Get(ctx, "u1", "u1|a@x.com|42"); err != nil {
		t.Errorf("Get() after vector failure error = %v, want stored message", err)
	}
}
