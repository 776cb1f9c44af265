package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/observ"
)

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Syncing
	Operational
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Operational:
		return "operational"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// Status is a snapshot of the supervisor for logging and tests.
type Status struct {
	State            State
	Since            time.Time
	LastError        error
	ReconnectAttempt int
}

// ErrBackoffExhausted terminates Run after MaxAttempts failed reconnects.
var ErrBackoffExhausted = errors.New("reconnect attempts exhausted")

// Checklist is the post-connect sync sequence. Each step must be idempotent;
// any failure sends the supervisor back to Disconnected.
type Checklist struct {
	ReconcilePositions func(ctx context.Context) error
	SubscribeNews      func(ctx context.Context) error
	RefreshAccount     func(ctx context.Context) error
	ResumeQuoteStreams func(ctx context.Context) error
}

// Session is the slice of the bridge the supervisor drives.
type Session interface {
	Connect(ctx context.Context) error
	Events() <-chan broker.SessionEvent
}

// Supervisor drives the bridge through its lifecycle and owns the execution
// gate. The gate is a single atomic bool; the execution stage reads it
// immediately before every order submission.
type Supervisor struct {
	bridge      Session
	checklist   Checklist
	backoff     Backoff
	maxAttempts int

	gate atomic.Bool

	mu     sync.Mutex
	status Status
}

// MaxAttempts <= 0 means retry forever.
func NewSupervisor(bridge Session, checklist Checklist, backoff Backoff, maxAttempts int) *Supervisor {
	return &Supervisor{
		bridge:      bridge,
		checklist:   checklist,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		status:      Status{State: Disconnected, Since: time.Now()},
	}
}

// GateOpen reports whether order submission is currently allowed.
func (s *Supervisor) GateOpen() bool {
	return s.gate.Load()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) transition(to State, err error) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = to
	s.status.Since = time.Now()
	if err != nil {
		s.status.LastError = err
	}
	attempt := s.status.ReconnectAttempt
	s.mu.Unlock()

	if to != Operational {
		s.gate.Store(false)
	}
	kv := map[string]any{"from": from.String(), "to": to.String(), "attempt": attempt}
	if err != nil {
		kv["err"] = err.Error()
	}
	observ.Log("conn_state", kv)
	observ.SetGauge("conn_state", float64(to), nil)
}

// Degrade forces the supervisor out of Operational, closing the gate. Used
// by the execution stage when a durable write fails after a fill.
func (s *Supervisor) Degrade(err error) {
	s.gate.Store(false)
	s.transition(Degraded, err)
}

// Run drives connect/sync/monitor cycles until ctx is cancelled or the
// backoff budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.transition(Connecting, nil)
		err := s.connectAndSync(ctx)
		if err == nil {
			attempt = 0
			s.setAttempt(0)
			s.gate.Store(true)
			s.transition(Operational, nil)

			err = s.monitor(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if broker.IsKind(err, broker.KindInvariant) {
				observ.Error("conn_invariant_violation", map[string]any{"err": err.Error()})
				return err
			}
			// In-flight awaiters were failed by the bridge when the
			// session dropped.
			s.gate.Store(false)
			s.transition(Degraded, err)
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if broker.IsKind(err, broker.KindInvariant) {
				observ.Error("conn_invariant_violation", map[string]any{"err": err.Error()})
				return err
			}
			s.transition(Disconnected, err)
		}

		attempt++
		s.setAttempt(attempt)
		if s.maxAttempts > 0 && attempt > s.maxAttempts {
			observ.Error("conn_backoff_exhausted", map[string]any{"attempts": attempt - 1})
			return ErrBackoffExhausted
		}
		wait := s.backoff.Next(attempt)
		observ.Log("conn_reconnect_wait", map[string]any{"attempt": attempt, "wait_ms": wait.Milliseconds()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) setAttempt(n int) {
	s.mu.Lock()
	s.status.ReconnectAttempt = n
	s.mu.Unlock()
}

func (s *Supervisor) connectAndSync(ctx context.Context) error {
	if err := s.bridge.Connect(ctx); err != nil {
		return err
	}
	s.transition(Syncing, nil)
	return s.runChecklist(ctx)
}

// runChecklist performs the fixed sync sequence: reconcile positions,
// re-subscribe news, refresh account, resume quote streams.
func (s *Supervisor) runChecklist(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"reconcile_positions", s.checklist.ReconcilePositions},
		{"subscribe_news", s.checklist.SubscribeNews},
		{"refresh_account", s.checklist.RefreshAccount},
		{"resume_quote_streams", s.checklist.ResumeQuoteStreams},
	}
	for _, step := range steps {
		if step.fn == nil {
			continue
		}
		if err := step.fn(ctx); err != nil {
			observ.Warn("conn_sync_step_failed", map[string]any{"step": step.name, "err": err.Error()})
			return err
		}
		observ.Debug("conn_sync_step_ok", map[string]any{"step": step.name})
	}
	return nil
}

// monitor waits for the session to drop. A transient gateway fault demotes
// to Degraded on the live socket: gate closed, checklist re-run, back to
// Operational once it passes.
func (s *Supervisor) monitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.bridge.Events():
			switch ev.Kind {
			case broker.SessionLost:
				return ev.Err
			case broker.SessionTransientError:
				observ.Warn("conn_transient", map[string]any{"err": ev.Err.Error()})
				s.gate.Store(false)
				s.transition(Degraded, ev.Err)
				s.transition(Syncing, nil)
				if err := s.runChecklist(ctx); err != nil {
					return err
				}
				s.gate.Store(true)
				s.transition(Operational, nil)
			}
		}
	}
}
