package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

type fakeRunner struct {
	failFor  map[string]bool
	panicFor map[string]bool
}

func (f *fakeRunner) AnalyzeHealth(ctx context.Context, clientID, account, strategy string) (*types.HealthReport, error) {
	if f.panicFor[account] {
		panic("bad portfolio data")
	}
	if f.failFor[account] {
		return nil, errors.New("positions unavailable")
	}
	return &types.HealthReport{Account: account, HealthScore: 90}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubmitAndComplete(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 2, QueueSize: 10}, runner)

	var mu sync.Mutex
	var reports []*types.HealthReport
	s.OnReport = func(r *types.HealthReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	s.Start()
	defer s.Stop()

	require.NoError(t, s.Submit(Job{ClientID: "client-1", Account: "acct-1", Strategy: "balanced"}))
	require.NoError(t, s.Submit(Job{ClientID: "client-1", Account: "acct-2", Strategy: "balanced"}))

	waitFor(t, func() bool { return s.Stats().Completed == 2 })

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reports, 2)
}

func TestFailuresAreCountedNotFatal(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]bool{"acct-bad": true}}
	s := New(zap.NewNop(), Config{Workers: 1, QueueSize: 10}, runner)
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Submit(Job{Account: "acct-bad"}))
	require.NoError(t, s.Submit(Job{Account: "acct-ok"}))

	waitFor(t, func() bool {
		st := s.Stats()
		return st.Completed == 1 && st.Failed == 1
	})
}

func TestPanicRecovery(t *testing.T) {
	runner := &fakeRunner{panicFor: map[string]bool{"acct-panic": true}}
	s := New(zap.NewNop(), Config{Workers: 1, QueueSize: 10}, runner)
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Submit(Job{Account: "acct-panic"}))
	require.NoError(t, s.Submit(Job{Account: "acct-after"}))

	// The worker survives the panic and keeps processing.
	waitFor(t, func() bool {
		st := s.Stats()
		return st.Panics == 1 && st.Completed == 1
	})
}

func TestQueueFull(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 1, QueueSize: 1}, runner)
	// Not started: workers never drain, so the second submit must fail fast.
	s.running.Store(true)

	require.NoError(t, s.Submit(Job{Account: "acct-1"}))
	assert.ErrorIs(t, s.Submit(Job{Account: "acct-2"}), ErrQueueFull)
}

func TestRunAllSweepsSource(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 2, QueueSize: 10}, runner)
	s.Source = func() []Job {
		return []Job{
			{ClientID: "client-1", Account: "acct-1", Strategy: "balanced"},
			{ClientID: "client-1", Account: "acct-2", Strategy: "balanced"},
			{ClientID: "client-2", Account: "acct-3", Strategy: "momentum"},
		}
	}
	s.Start()
	defer s.Stop()

	assert.Equal(t, 3, s.RunAll())
	waitFor(t, func() bool { return s.Stats().Completed == 3 })
}

func TestIntervalTickerSweeps(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 1, QueueSize: 10, Interval: 10 * time.Millisecond}, runner)
	s.Source = func() []Job {
		return []Job{{ClientID: "client-1", Account: "acct-1", Strategy: "balanced"}}
	}
	s.Start()
	defer s.Stop()

	// No manual submits: completions can only come from the ticker.
	waitFor(t, func() bool { return s.Stats().Completed >= 2 })
}

func TestSubmitAfterStop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 1, QueueSize: 1}, runner)
	s.Start()
	s.Stop()

	assert.ErrorIs(t, s.Submit(Job{Account: "acct-1"}), ErrNotRunning)
}

func TestStopDuringSubmitsDoesNotPanic(t *testing.T) {
	runner := &fakeRunner{}
	s := New(zap.NewNop(), Config{Workers: 2, QueueSize: 4}, runner)
	s.Start()

	// Hammer Submit while Stop closes the queue; the shutdown path must
	// refuse late submits instead of panicking on a closed channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if err := s.Submit(Job{Account: "acct-1"}); errors.Is(err, ErrNotRunning) {
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	s.Stop()
	<-done

	assert.ErrorIs(t, s.Submit(Job{Account: "acct-1"}), ErrNotRunning)
}
