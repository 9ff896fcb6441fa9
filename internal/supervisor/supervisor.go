// Package supervisor owns every mailbox agent: it is the only component
// that creates or destroys them. The registry holds at most one agent per
// account key at any instant.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inboxkit/syncd/internal/account"
	"github.com/inboxkit/syncd/internal/bus"
	"github.com/inboxkit/syncd/internal/credstore"
	"github.com/inboxkit/syncd/internal/metrics"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// ErrAlreadyRunning is returned by Start when a non-stopped agent exists
// for the key.
var ErrAlreadyRunning = errors.New("agent already running")

// Runner is one started agent, as the supervisor sees it.
type Runner interface {
	// Run blocks until the context is cancelled.
	Run(ctx context.Context)
	// State returns the last published state.
	State() account.AgentState
}

// StatusSink receives agent state transitions.
type StatusSink interface {
	AgentStatus(key account.AccountKey, state account.AgentState)
}

// Factory constructs an agent for a key, wired to the given sink.
type Factory func(key account.AccountKey, sink StatusSink) Runner

// Config holds the supervisor tunables. Zero values select the
// documented defaults.
type Config struct {
	ShutdownDeadline time.Duration // global stop budget, default 10s
	RestartDelay     time.Duration // pause between Stop and Start in RestartAll, default 2s
	CrashWindow      time.Duration // panic-rate window, default 60s
	MaxCrashes       int           // panics tolerated per window, default 5
}

func (c Config) withDefaults() Config {
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = 10 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = 60 * time.Second
	}
	if c.MaxCrashes <= 0 {
		c.MaxCrashes = 5
	}
	return c
}

type entry struct {
	key     account.AccountKey
	runner  Runner
	cancel  context.CancelFunc
	ctx     context.Context
	done    chan struct{}
	state   account.AgentState
	crashes []time.Time
}

// Supervisor is the agent registry. All registry mutation happens under
// one mutex; reads take snapshots.
type Supervisor struct {
	factory   Factory
	creds     credstore.Store
	bus       *bus.Bus
	collector metrics.Collector
	cfg       Config

	mu     sync.Mutex
	agents map[account.AccountKey]*entry
}

// New creates a Supervisor. collector may be nil.
func New(factory Factory, creds credstore.Store, b *bus.Bus, collector metrics.Collector, cfg Config) *Supervisor {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Supervisor{
		factory:   factory,
		creds:     creds,
		bus:       b,
		collector: collector,
		cfg:       cfg.withDefaults(),
		agents:    make(map[account.AccountKey]*entry),
	}
}

// AgentStatus relays one state transition to the bus and remembers it.
func (s *Supervisor) AgentStatus(key account.AccountKey, state account.AgentState) {
	s.mu.Lock()
	if e, ok := s.agents[key]; ok {
		e.state = state
	}
	s.mu.Unlock()

	s.collector.AgentStateChanged(state.Phase.String())
	s.bus.Publish(bus.Event{
		Topic: bus.TopicStatus,
		Key:   key.String(),
		Payload: account.StatusEvent{
			UserID: key.UserID,
			Email:  key.Email,
			State:  state,
			At:     time.Now().UTC(),
		},
	})
}

// Start constructs and launches an agent for the key. A live agent for
// the same key yields ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, key account.AccountKey) error {
	s.mu.Lock()
	if e, ok := s.agents[key]; ok {
		select {
		case <-e.done:
			// Finished; replace below.
		default:
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
	}

	agentCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		key:    key,
		runner: s.factory(key, s),
		cancel: cancel,
		ctx:    agentCtx,
		done:   make(chan struct{}),
		state:  account.StateStarting,
	}
	s.agents[key] = e
	s.mu.Unlock()

	s.collector.AgentStarted()
	logger.InfoContext(ctx, "Agent started", slog.String("account", key.String()))
	go s.runGuarded(e)
	return nil
}

// runGuarded runs the agent, restarting it after panics within the crash
// budget. Beyond the budget the agent is parked in a permanent error
// state until manually restarted.
func (s *Supervisor) runGuarded(e *entry) {
	defer close(e.done)
	defer s.collector.AgentStopped()

	for {
		panicked := s.runOnce(e)
		if !panicked {
			return
		}
		s.collector.AgentPanicRecovered()

		if e.ctx.Err() != nil {
			s.AgentStatus(e.key, account.StateStopped)
			return
		}

		now := time.Now()
		recent := e.crashes[:0]
		for _, t := range e.crashes {
			if now.Sub(t) < s.cfg.CrashWindow {
				recent = append(recent, t)
			}
		}
		e.crashes = append(recent, now)

		if len(e.crashes) > s.cfg.MaxCrashes {
			logger.Error("Agent crash budget exhausted, parking",
				slog.String("account", e.key.String()),
				slog.Int("crashes", len(e.crashes)),
			)
			s.AgentStatus(e.key, account.StateError("crash loop"))
			<-e.ctx.Done()
			s.AgentStatus(e.key, account.StateStopped)
			return
		}
	}
}

func (s *Supervisor) runOnce(e *entry) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error("Agent panicked",
				slog.String("account", e.key.String()),
				slog.Any("panic", r),
			)
		}
	}()
	e.runner.Run(e.ctx)
	return false
}

// Stop cancels the agent for the key and removes it once it terminates.
// Stopping an unknown key succeeds.
func (s *Supervisor) Stop(ctx context.Context, key account.AccountKey) error {
	s.mu.Lock()
	e, ok := s.agents[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", key, ctx.Err())
	}

	s.mu.Lock()
	if s.agents[key] == e {
		delete(s.agents, key)
	}
	s.mu.Unlock()
	logger.InfoContext(ctx, "Agent stopped", slog.String("account", key.String()))
	return nil
}

// StopAll stops every agent belonging to the user, in parallel.
func (s *Supervisor) StopAll(ctx context.Context, userID string) error {
	g := new(errgroup.Group)
	for _, key := range s.keysForUser(userID) {
		key := key
		g.Go(func() error {
			return s.Stop(ctx, key)
		})
	}
	return g.Wait()
}

// Status returns the last known state per email for the user.
func (s *Supervisor) Status(userID string) map[string]account.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]account.AgentState)
	for key, e := range s.agents {
		if key.UserID == userID {
			out[key.Email] = e.state
		}
	}
	return out
}

// EnsureForUser starts agents for every mailbox the user has credentials
// for, leaving running agents untouched.
func (s *Supervisor) EnsureForUser(ctx context.Context, userID string) error {
	keys, err := s.creds.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("list accounts for %s: %w", userID, err)
	}

	for _, key := range keys {
		if err := s.Start(ctx, key); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logger.ErrorContext(ctx, "Failed to start agent",
				slog.String("account", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// RestartAll stops and restarts every agent, one at a time. Failures are
// logged and the loop continues.
func (s *Supervisor) RestartAll(ctx context.Context) {
	for _, key := range s.keys() {
		if err := s.Stop(ctx, key); err != nil {
			logger.ErrorContext(ctx, "Restart: stop failed",
				slog.String("account", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartDelay):
		}

		if err := s.Start(ctx, key); err != nil {
			logger.ErrorContext(ctx, "Restart: start failed",
				slog.String("account", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Shutdown stops every agent in parallel within the shutdown deadline.
// Agents that miss the deadline are abandoned with their contexts
// cancelled, which tears down their connections.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownDeadline)
	defer cancel()

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.agents = make(map[account.AccountKey]*entry)
	s.mu.Unlock()

	g := new(errgroup.Group)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.cancel()
			select {
			case <-e.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("agent %s did not stop in time", e.key)
			}
		})
	}

	err := g.Wait()
	if err != nil {
		logger.Error("Shutdown incomplete", slog.String("error", err.Error()))
	} else {
		logger.Info("Shutdown complete", slog.Int("agents", len(entries)))
	}
	return err
}

// AgentCount returns the number of registered agents.
func (s *Supervisor) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

func (s *Supervisor) keys() []account.AccountKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]account.AccountKey, 0, len(s.agents))
	for key := range s.agents {
		keys = append(keys, key)
	}
	return keys
}

func (s *Supervisor) keysForUser(userID string) []account.AccountKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []account.AccountKey
	for key := range s.agents {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	return keys
}
