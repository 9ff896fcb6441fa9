// Package pipeline ingests raw messages: dedupe against the index,
// classify, insert exactly once, and announce the result on the event bus.
// The pipeline is stateless; callers serialize per agent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/classify"
	"github.com/inboxkit/syncd/internal/deadletter"
	"github.com/inboxkit/syncd/internal/index"
	"github.com/inboxkit/syncd/internal/metrics"
	"github.com/inboxkit/syncd/internal/searchindex"
	"github.com/inboxkit/syncd/internal/textextract"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// insertRetryDelays is the fixed ladder for transient index failures.
// After the last delay the message is abandoned.
var insertRetryDelays = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond, 3 * time.Second}

// VectorIndexer writes a stored message into the user's vector index.
type VectorIndexer interface {
	IndexMessage(ctx context.Context, msg *account.StoredMessage) error
}

// Pipeline turns raw messages into stored, classified, announced ones.
type Pipeline struct {
	index      index.EmailIndex
	classifier classify.Classifier
	bus        *bus.Bus
	search     searchindex.Publisher // nil disables async search indexing
	deadletter deadletter.Publisher  // nil disables the abandoned sink
	vectors    VectorIndexer         // nil disables vector indexing
	collector  metrics.Collector
	now        func() time.Time
}

// New creates a Pipeline. search and dlq may be nil; collector may be nil.
func New(idx index.EmailIndex, classifier classify.Classifier, b *bus.Bus, search searchindex.Publisher, dlq deadletter.Publisher, collector metrics.Collector) *Pipeline {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Pipeline{
		index:      idx,
		classifier: classifier,
		bus:        b,
		search:     search,
		deadletter: dlq,
		collector:  collector,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UseVectorIndexer wires vector indexing of stored messages. Without it
// ingestion skips the vector store entirely.
func (p *Pipeline) UseVectorIndexer(v VectorIndexer) {
	p.vectors = v
}

// Ingest processes one raw message. Duplicates are dropped silently. A
// returned error means the message was abandoned after exhausting the
// retry ladder; the caller continues regardless.
func (p *Pipeline) Ingest(ctx context.Context, key account.AccountKey, folder string, raw *account.RawMessage) error {
	tracer := otel.Tracer("syncd-pipeline")
	ctx, span := tracer.Start(ctx, "IngestMessage",
		trace.WithAttributes(
			attribute.String("account", key.String()),
			attribute.String("folder", folder),
			attribute.Int64("uid", int64(raw.UID)),
		))
	defer span.End()

	id := account.MessageID(key.UserID, key.Email, raw.UID)

	exists, err := p.index.Exists(ctx, key.UserID, id)
	if err != nil {
		// Fall through to Insert: its conflict check is the authority.
		logger.WarnContext(ctx, "Existence check failed, relying on insert conflict",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	} else if exists {
		p.collector.MessageDuplicate()
		return nil
	}

	msg := p.compose(ctx, key, folder, raw, id)

	if err := p.insertWithRetry(ctx, msg); err != nil {
		if errors.Is(err, index.ErrConflict) {
			p.collector.MessageDuplicate()
			return nil
		}
		p.abandon(ctx, key, folder, raw, id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "message abandoned")
		return fmt.Errorf("insert %s: %w", id, err)
	}

	p.collector.MessageIngested(string(msg.Category))
	p.bus.Publish(bus.Event{
		Topic: bus.TopicNewMessage,
		Key:   key.String(),
		Payload: account.NewMessageEvent{
			UserID:  key.UserID,
			Email:   key.Email,
			Message: *msg,
			At:      p.now(),
		},
	})

	p.publishIndexRequest(ctx, msg)
	p.publishVector(ctx, msg)
	return nil
}

// compose builds the StoredMessage with its defaults and category.
func (p *Pipeline) compose(ctx context.Context, key account.AccountKey, folder string, raw *account.RawMessage, id string) *account.StoredMessage {
	body := textextract.Extract(raw.SourceBytes)
	category := p.classifier.Classify(ctx, classify.Input{
		Subject: raw.Subject,
		Body:    body,
		From:    raw.From,
	})

	now := p.now()
	return &account.StoredMessage{
		ID:        id,
		UserID:    key.UserID,
		Email:     key.Email,
		Folder:    folder,
		UID:       raw.UID,
		Subject:   raw.Subject,
		From:      raw.From,
		To:        raw.To,
		Date:      raw.Date,
		Body:      body,
		IsRead:    false,
		IsStarred: false,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// insertWithRetry retries transient failures on the fixed ladder.
// Conflicts and cancellation return immediately.
func (p *Pipeline) insertWithRetry(ctx context.Context, msg *account.StoredMessage) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.index.Insert(ctx, msg)
		if err == nil || errors.Is(err, index.ErrConflict) {
			return err
		}
		if !errors.Is(err, index.ErrTransient) || attempt >= len(insertRetryDelays) {
			return err
		}

		delay := insertRetryDelays[attempt]
		logger.WarnContext(ctx, "Transient insert failure, retrying",
			slog.String("id", msg.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// abandon counts the loss and records it on the dead-letter queue, best
// effort.
func (p *Pipeline) abandon(ctx context.Context, key account.AccountKey, folder string, raw *account.RawMessage, id string, cause error) {
	p.collector.MessageAbandoned()
	logger.ErrorContext(ctx, "Message abandoned after retries",
		slog.String("id", id),
		slog.String("error", cause.Error()),
	)

	if p.deadletter == nil {
		return
	}
	err := p.deadletter.PublishAbandoned(ctx, deadletter.Abandoned{
		ID:     id,
		UserID: key.UserID,
		Email:  key.Email,
		Folder: folder,
		UID:    raw.UID,
		Reason: cause.Error(),
		At:     p.now(),
	})
	if err != nil {
		logger.WarnContext(ctx, "Dead-letter publish failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// publishIndexRequest hands the message to the async search indexer, best
// effort.
func (p *Pipeline) publishIndexRequest(ctx context.Context, msg *account.StoredMessage) {
	if p.search == nil {
		return
	}
	err := p.search.PublishIndexRequest(ctx, searchindex.Request{
		Action:     searchindex.ActionIndex,
		ID:         msg.ID,
		UserID:     msg.UserID,
		Email:      msg.Email,
		Subject:    msg.Subject,
		BodyText:   msg.Body,
		ReceivedAt: msg.Date,
	})
	if err != nil {
		logger.WarnContext(ctx, "Search index publish failed",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publishVector upserts the message embedding, best effort.
func (p *Pipeline) publishVector(ctx context.Context, msg *account.StoredMessage) {
	if p.vectors == nil {
		return
	}
	if err := p.vectors.IndexMessage(ctx, msg); err != nil {
		logger.WarnContext(ctx, "Vector index write failed",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}
