// Package agent runs one IMAP sync worker per (user, mailbox): an initial
// bounded backfill, then a held IDLE that feeds every new message to the
// ingestion pipeline, with autonomous recovery from transient failures.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/credstore"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Pipeline receives fetched messages, one at a time per agent.
type Pipeline interface {
	// Ingest processes one raw message. A returned error means the message
	// was abandoned; the agent logs it and carries on.
	Ingest(ctx context.Context, key account.AccountKey, folder string, raw *account.RawMessage) error
}

// StatusSink receives every agent state transition, in order.
type StatusSink interface {
	AgentStatus(key account.AccountKey, state account.AgentState)
}

// Config holds the agent tunables. Zero values select the documented
// defaults.
type Config struct {
	BackfillWindow  time.Duration // initial fetch window, default 24h
	IdleMax         time.Duration // forced IDLE refresh interval, default 28m
	FetchTimeout    time.Duration // per-message FETCH budget, default 30s
	PipelineTimeout time.Duration // per-message pipeline budget, default 30s
	RetryBase       time.Duration // backoff ladder base, default 5s
	RetryCap        time.Duration // backoff ladder cap, default 60s
	LogoutTimeout   time.Duration // best-effort logout budget, default 2s
}

func (c Config) withDefaults() Config {
	if c.BackfillWindow <= 0 {
		c.BackfillWindow = 24 * time.Hour
	}
	if c.IdleMax <= 0 {
		c.IdleMax = 28 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 60 * time.Second
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 2 * time.Second
	}
	return c
}

// Agent owns exactly one IMAP session for one account key. Run drives the
// state machine Starting -> Syncing -> Idle with Error/backoff cycles in
// between; Stopped is published exactly once when Run returns.
type Agent struct {
	key      account.AccountKey
	creds    credstore.Store
	dialer   Dialer
	pipeline Pipeline
	sink     StatusSink
	cfg      Config
	retry    *backoff.ExponentialBackOff
	now      func() time.Time

	mu    sync.Mutex
	state account.AgentState
}

// New constructs an agent. It does not connect; call Run.
func New(key account.AccountKey, creds credstore.Store, dialer Dialer, pipeline Pipeline, sink StatusSink, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryBase
	retry.Multiplier = 2
	retry.MaxInterval = cfg.RetryCap
	retry.RandomizationFactor = 0.2
	return &Agent{
		key:      key,
		creds:    creds,
		dialer:   dialer,
		pipeline: pipeline,
		sink:     sink,
		cfg:      cfg,
		retry:    retry,
		now:      time.Now,
		state:    account.StateStarting,
	}
}

// State returns the last published state.
func (a *Agent) State() account.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) publish(state account.AgentState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.sink.AgentStatus(a.key, state)
}

// Run blocks until ctx is cancelled or the agent parks on an authorization
// failure followed by cancellation. It publishes Stopped exactly once on
// return.
func (a *Agent) Run(ctx context.Context) {
	// Publish Stopped only on orderly return; a panic propagates to the
	// supervisor's guard, which owns the restart decision.
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		}
		a.publish(account.StateStopped)
	}()
	a.retry.Reset()

	for ctx.Err() == nil {
		err := a.runSession(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, credstore.ErrNotAuthorized):
			// Definitive: no retry until a new credential is stored and
			// the agent is externally restarted.
			a.publish(account.StateError("unauthorized"))
			logger.ErrorContext(ctx, "Agent unauthorized, parking until restart",
				slog.String("account", a.key.String()),
			)
			<-ctx.Done()
			return
		case err != nil:
			a.publish(account.StateError(err.Error()))
			delay := a.retry.NextBackOff()
			logger.WarnContext(ctx, "Agent session failed, reconnecting",
				slog.String("account", a.key.String()),
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// runSession runs one connect -> backfill -> idle cycle. It returns nil
// only on cancellation.
func (a *Agent) runSession(ctx context.Context) error {
	a.publish(account.StateStarting)

	cred, err := a.creds.GetFresh(ctx, a.key)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}

	sess, err := a.dialer.Dial(ctx, a.key.Email, cred.AccessToken)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	// Stop may have landed while connecting; bail before the first
	// post-connect publish so no zombie session survives.
	if ctx.Err() != nil {
		return nil
	}

	count, err := sess.SelectInbox(ctx)
	if err != nil {
		return err
	}
	a.publish(account.StateSyncing)

	if err := a.backfill(ctx, sess); err != nil {
		if ctx.Err() != nil {
			a.logout(sess)
			return nil
		}
		return err
	}

	a.publish(account.StateIdle)
	a.retry.Reset()

	return a.idleLoop(ctx, sess, count)
}

// backfill fetches every message in the configured window, oldest first.
// Search granularity is server-dependent, so anything older than the
// cutoff is skipped here deterministically.
func (a *Agent) backfill(ctx context.Context, sess Session) error {
	tracer := otel.Tracer("syncd-agent")
	ctx, span := tracer.Start(ctx, "Backfill")
	defer span.End()

	cutoff := a.now().UTC().Add(-a.cfg.BackfillWindow)
	uids, err := sess.SearchSince(ctx, cutoff)
	if err != nil {
		return err
	}

	fetched := 0
	for _, uid := range uids {
		raw, err := a.fetchUID(ctx, sess, uid)
		if err != nil {
			return err
		}
		if raw.Date.Before(cutoff) {
			continue
		}
		a.deliver(ctx, raw)
		fetched++
	}

	logger.InfoContext(ctx, "Backfill completed",
		slog.String("account", a.key.String()),
		slog.Int("fetched", fetched),
		slog.Int("searched", len(uids)),
	)
	return nil
}

// idleLoop holds IDLE, translating EXISTS growth into per-message fetches
// and cycling the IDLE before the server-side timeout.
func (a *Agent) idleLoop(ctx context.Context, sess Session, count uint32) error {
	for {
		idle, err := sess.Idle()
		if err != nil {
			return err
		}

		cycle := time.NewTimer(a.cfg.IdleMax)
		select {
		case <-ctx.Done():
			cycle.Stop()
			a.endIdle(idle)
			a.logout(sess)
			return nil

		case n := <-sess.Exists():
			cycle.Stop()
			if err := a.endIdle(idle); err != nil {
				return err
			}
			for seq := count + 1; seq <= n; seq++ {
				raw, err := a.fetchSeq(ctx, sess, seq)
				if err != nil {
					if ctx.Err() != nil {
						a.logout(sess)
						return nil
					}
					return err
				}
				a.deliver(ctx, raw)
			}
			count = n

		case err := <-idle.Done():
			cycle.Stop()
			if err == nil {
				err = errors.New("idle terminated by server")
			}
			return fmt.Errorf("idle: %w", err)

		case <-cycle.C:
			// Re-issue before the server's 30-minute IDLE limit.
			if err := a.endIdle(idle); err != nil {
				return err
			}
		}
	}
}

// endIdle sends DONE and waits for the IDLE command to finish so the
// session is ready for the next command.
func (a *Agent) endIdle(idle IdleHandle) error {
	if err := idle.Stop(); err != nil {
		return fmt.Errorf("end idle: %w", err)
	}
	select {
	case err := <-idle.Done():
		return err
	case <-time.After(a.cfg.LogoutTimeout):
		return errors.New("idle termination timed out")
	}
}

func (a *Agent) fetchUID(ctx context.Context, sess Session, uid uint64) (*account.RawMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	return sess.FetchUID(fctx, uid)
}

func (a *Agent) fetchSeq(ctx context.Context, sess Session, seq uint32) (*account.RawMessage, error) {
	fctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	return sess.FetchSeq(fctx, seq)
}

// deliver hands one message to the pipeline, bounded by the pipeline
// budget. Abandonment is logged but is not a state transition.
func (a *Agent) deliver(ctx context.Context, raw *account.RawMessage) {
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PipelineTimeout)
	defer cancel()
	if err := a.pipeline.Ingest(pctx, a.key, Inbox, raw); err != nil {
		logger.ErrorContext(ctx, "Message abandoned",
			slog.String("account", a.key.String()),
			slog.Uint64("uid", raw.UID),
			slog.String("error", err.Error()),
		)
	}
}

// logout ends the session gracefully, best effort within the logout
// budget.
func (a *Agent) logout(sess Session) {
	lctx, cancel := context.WithTimeout(context.Background(), a.cfg.LogoutTimeout)
	defer cancel()
	if err := sess.Logout(lctx); err != nil {
		logger.Warn("Logout failed, closing anyway",
			slog.String("account", a.key.String()),
			slog.String("error", err.Error()),
		)
	}
}
