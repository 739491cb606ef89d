package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPreflighter blocks until release is closed, then answers with fp or err.
type stubPreflighter struct {
	release chan struct{}
	fp      *models.DocumentFingerprint
	err     error
	calls   int
	mu      sync.Mutex
}

func newStubPreflighter(fp *models.DocumentFingerprint, err error) *stubPreflighter {
	return &stubPreflighter{release: make(chan struct{}), fp: fp, err: err}
}

func (s *stubPreflighter) Analyze(ctx context.Context, _ []byte, _ int64) (*models.DocumentFingerprint, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-s.release:
		return s.fp, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recorder struct {
	mu     sync.Mutex
	states []GateState
}

func (r *recorder) record(s GateSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *recorder) get() []GateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GateState(nil), r.states...)
}

func waitFor(t *testing.T, g *Gate) GateSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := g.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestGate_Allowed(t *testing.T) {
	fp := &models.DocumentFingerprint{PageCount: 3, EstimatedMemoryMB: 21}
	p := newStubPreflighter(fp, nil)
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	g := NewGate(p, nil, m)
	rec := &recorder{}
	g.OnChange(rec.record)

	require.True(t, g.Check(context.Background(), CheckInput{Profile: models.DefaultDeviceProfile()}))
	assert.Equal(t, GateChecking, g.Snapshot().State)
	close(p.release)

	snap := waitFor(t, g)
	assert.Equal(t, GateAllowed, snap.State)
	assert.Same(t, fp, snap.Fingerprint)
	require.NotNil(t, snap.Assessment)
	assert.True(t, snap.Assessment.IsSafe)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateOutcomes.WithLabelValues(string(GateAllowed))))
	assert.Equal(t, []GateState{GateChecking, GateAllowed}, rec.get())
}

func TestGate_Blocked(t *testing.T) {
	p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1000, FileSizeBytes: 100_000_000}, nil)
	close(p.release)
	g := NewGate(p, nil, nil)

	require.True(t, g.Check(context.Background(), CheckInput{Profile: models.DefaultDeviceProfile()}))
	snap := waitFor(t, g)
	assert.Equal(t, GateBlocked, snap.State)
	assert.False(t, snap.Assessment.IsSafe)
}

func TestGate_Error(t *testing.T) {
	p := newStubPreflighter(nil, &AnalysisError{Reason: "malformed document"})
	close(p.release)
	g := NewGate(p, nil, nil)

	require.True(t, g.Check(context.Background(), CheckInput{}))
	snap := waitFor(t, g)
	assert.Equal(t, GateError, snap.State)
	var aerr *AnalysisError
	require.True(t, errors.As(snap.Err, &aerr))
	assert.Nil(t, snap.Assessment)
}

func TestGate_WaitReturnsAfterCheckSettles(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want GateState
		log  string
	}{
		{name: "allowed", want: GateAllowed, log: "Safety check finished."},
		{name: "error", err: &AnalysisError{Reason: "malformed document"}, want: GateError, log: "Safety check failed."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1}, tc.err)
			close(p.release)
			m := MustNewMetrics(prometheus.NewRegistry())
			// read after Wait without locking
			var logs bytes.Buffer
			var seen []GateState
			g := NewGate(p, slog.New(slog.NewTextHandler(&logs, nil)), m)
			g.OnChange(func(s GateSnapshot) { seen = append(seen, s.State) })

			require.True(t, g.Check(context.Background(), CheckInput{Profile: models.DefaultDeviceProfile()}))
			snap := waitFor(t, g)
			assert.Equal(t, tc.want, snap.State)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.gateOutcomes.WithLabelValues(string(tc.want))))
			assert.Contains(t, logs.String(), tc.log)
			assert.Equal(t, []GateState{GateChecking, tc.want}, seen)
		})
	}
}

func TestGate_CancelRecordsOutcomeBeforeWaitReturns(t *testing.T) {
	p := newStubPreflighter(nil, nil)
	m := MustNewMetrics(prometheus.NewRegistry())
	g := NewGate(p, nil, m)

	require.True(t, g.Check(context.Background(), CheckInput{}))
	require.True(t, g.Cancel())
	assert.Equal(t, GateCancelled, waitFor(t, g).State)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateOutcomes.WithLabelValues(string(GateCancelled))))
	close(p.release)
}

func TestGate_CheckIgnoredUnlessIdle(t *testing.T) {
	p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1}, nil)
	g := NewGate(p, nil, nil)

	require.True(t, g.Check(context.Background(), CheckInput{}))
	assert.False(t, g.Check(context.Background(), CheckInput{}), "already checking")
	close(p.release)
	assert.Equal(t, GateAllowed, waitFor(t, g).State)

	assert.False(t, g.Check(context.Background(), CheckInput{}), "terminal until reset")
	g.Reset()
	assert.Equal(t, GateIdle, g.Snapshot().State)
	assert.True(t, g.Check(context.Background(), CheckInput{}))
	assert.Equal(t, GateAllowed, waitFor(t, g).State)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 2, p.calls)
}

func TestGate_CancelDiscardsLateResult(t *testing.T) {
	p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1}, nil)
	g := NewGate(p, nil, nil)
	rec := &recorder{}
	g.OnChange(rec.record)

	require.True(t, g.Check(context.Background(), CheckInput{}))
	require.True(t, g.Cancel())
	assert.False(t, g.Cancel(), "nothing left to cancel")
	close(p.release)

	time.Sleep(20 * time.Millisecond)
	snap := g.Snapshot()
	assert.Equal(t, GateCancelled, snap.State)
	assert.Nil(t, snap.Fingerprint)
	assert.Equal(t, []GateState{GateChecking, GateCancelled}, rec.get())
}

func TestGate_ResetDuringCheck(t *testing.T) {
	p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1}, nil)
	g := NewGate(p, nil, nil)

	require.True(t, g.Check(context.Background(), CheckInput{}))
	g.Reset()
	assert.Equal(t, GateIdle, g.Snapshot().State)
	close(p.release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, GateIdle, g.Snapshot().State)
}

func TestGate_CallerContextCancelsCheck(t *testing.T) {
	p := newStubPreflighter(nil, nil)
	g := NewGate(p, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, g.Check(ctx, CheckInput{}))
	cancel()
	assert.Equal(t, GateCancelled, waitFor(t, g).State)
}

func TestGate_SubscriberMayReenter(t *testing.T) {
	p := newStubPreflighter(&models.DocumentFingerprint{PageCount: 1}, nil)
	close(p.release)
	g := NewGate(p, nil, nil)
	rec := &recorder{}
	g.OnChange(func(s GateSnapshot) {
		rec.record(s)
		if s.State == GateAllowed {
			g.Reset()
		}
	})

	require.True(t, g.Check(context.Background(), CheckInput{}))
	assert.Eventually(t, func() bool {
		return g.Snapshot().State == GateIdle && len(rec.get()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []GateState{GateChecking, GateAllowed, GateIdle}, rec.get())
}
