package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/safeviewer/internal/models"
)

// GateState is the position of the safety gate.
type GateState string

const (
	GateIdle      GateState = "IDLE"
	GateChecking  GateState = "CHECKING"
	GateAllowed   GateState = "ALLOWED"
	GateBlocked   GateState = "BLOCKED"
	GateError     GateState = "ERROR"
	GateCancelled GateState = "CANCELLED"
)

// Terminal reports whether s is a verdict. Only Reset leaves a terminal state.
func (s GateState) Terminal() bool {
	switch s {
	case GateAllowed, GateBlocked, GateError, GateCancelled:
		return true
	}
	return false
}

// CheckInput is one candidate document and the thresholds it is judged by.
type CheckInput struct {
	Data          []byte
	FileSizeBytes int64
	Profile       models.DeviceProfile
}

// GateSnapshot is the gate state with whatever the last check produced.
type GateSnapshot struct {
	State       GateState
	Fingerprint *models.DocumentFingerprint
	Assessment  *models.RiskAssessment
	Err         error
}

// Gate turns preflight and risk assessment into a load decision.
//
// Subscribers see every transition in order. They are called without the
// gate's lock held and may call back into the gate, except for Wait.
type Gate struct {
	preflighter Preflighter
	logger      *slog.Logger
	metrics     *Metrics

	mu          sync.Mutex
	snap        GateSnapshot
	gen         uint64
	cancel      context.CancelFunc
	changed     chan struct{}
	subscribers []func(GateSnapshot)
	events      []GateSnapshot
	delivering  bool
	// unsettled is set from a transition until its subscribers have run.
	unsettled bool
}

// NewGate returns an idle gate.
func NewGate(p Preflighter, logger *slog.Logger, metrics *Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		preflighter: p,
		logger:      logger.With("component", "gate"),
		metrics:     metrics,
		snap:        GateSnapshot{State: GateIdle},
		changed:     make(chan struct{}),
	}
}

// OnChange registers fn to receive every subsequent transition.
func (g *Gate) OnChange(fn func(GateSnapshot)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

// Check starts a background check and reports whether it did. Only an idle
// gate starts a check; while Checking or after a verdict the call is ignored.
// Cancelling ctx cancels the check.
func (g *Gate) Check(ctx context.Context, in CheckInput) bool {
	g.mu.Lock()
	if g.snap.State != GateIdle {
		state := g.snap.State
		g.mu.Unlock()
		g.logger.Debug("Ignoring check request.", "state", state)
		return false
	}
	g.gen++
	gen := g.gen
	cctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.transitionLocked(GateSnapshot{State: GateChecking})
	g.mu.Unlock()
	g.deliver()

	go g.run(cctx, gen, in)
	return true
}

func (g *Gate) run(ctx context.Context, gen uint64, in CheckInput) {
	fp, err := g.preflighter.Analyze(ctx, in.Data, in.FileSizeBytes)

	next := GateSnapshot{Fingerprint: fp, Err: err}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		next = GateSnapshot{State: GateCancelled}
	case err != nil:
		next.State = GateError
	default:
		a := Assess(fp, in.Profile)
		next.Assessment = &a
		next.State = GateBlocked
		if a.IsSafe {
			next.State = GateAllowed
		}
	}

	g.mu.Lock()
	if g.gen != gen || g.snap.State != GateChecking {
		g.logger.Debug("Discarding stale check result.", "state", next.State)
		g.mu.Unlock()
		return
	}
	g.cancel()
	g.cancel = nil
	g.metrics.gateDone(string(next.State))
	if next.Err != nil {
		g.logger.Warn("Safety check failed.", "error", next.Err)
	} else {
		g.logger.Info("Safety check finished.", "state", next.State)
	}
	g.transitionLocked(next)
	g.mu.Unlock()
	g.deliver()
}

// Cancel abandons a running check. Its late result is discarded.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	if g.snap.State != GateChecking {
		g.mu.Unlock()
		return false
	}
	g.gen++
	g.cancel()
	g.cancel = nil
	g.metrics.gateDone(string(GateCancelled))
	g.transitionLocked(GateSnapshot{State: GateCancelled})
	g.mu.Unlock()
	g.deliver()
	return true
}

// Reset returns the gate to Idle from any state, cancelling a running check.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.gen++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.snap.State == GateIdle {
		g.mu.Unlock()
		return
	}
	g.transitionLocked(GateSnapshot{State: GateIdle})
	g.mu.Unlock()
	g.deliver()
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() GateSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

// Wait blocks until the gate is not Checking and every subscriber has seen
// that state, then returns it.
func (g *Gate) Wait(ctx context.Context) (GateSnapshot, error) {
	for {
		g.mu.Lock()
		snap, changed, unsettled := g.snap, g.changed, g.unsettled
		g.mu.Unlock()
		if snap.State != GateChecking && !unsettled {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return GateSnapshot{}, ctx.Err()
		}
	}
}

func (g *Gate) transitionLocked(next GateSnapshot) {
	g.snap = next
	g.unsettled = true
	if len(g.subscribers) > 0 {
		g.events = append(g.events, next)
	}
}

// deliver hands queued transitions to subscribers and then wakes waiters.
// Only one goroutine delivers at a time, which keeps delivery in transition
// order.
func (g *Gate) deliver() {
	g.mu.Lock()
	if g.delivering {
		g.mu.Unlock()
		return
	}
	g.delivering = true
	for len(g.events) > 0 {
		ev := g.events[0]
		g.events = g.events[1:]
		subs := g.subscribers
		g.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
		g.mu.Lock()
	}
	g.delivering = false
	g.unsettled = false
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}
