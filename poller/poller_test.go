package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fetchStub returns snapshots tagged through the request id so tests can tell
// which fetch produced an applied state.
type fetchStub struct {
	calls   atomic.Int64
	applied atomic.Int64

	mu      sync.Mutex
	lastID  string
	block   chan struct{}
	loading atomic.Int64
}

func (f *fetchStub) fetch(ctx context.Context) (interfaces.ParticipantState, error) {
	n := f.calls.Inc()
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return interfaces.ParticipantState{}, ctx.Err()
		}
	}
	return interfaces.ParticipantState{
		Request: &interfaces.AccessRequest{ID: "snapshot-" + string(rune('0'+n%10))},
	}, nil
}

func (f *fetchStub) apply(s interfaces.ParticipantState) {
	f.applied.Inc()
	f.mu.Lock()
	f.lastID = s.Request.ID
	f.mu.Unlock()
}

func newTestPoller(f *fetchStub, interval, grace time.Duration) *Poller {
	return New(Config{
		Fetch:      f.fetch,
		Apply:      f.apply,
		Loading:    func(on bool) { f.loading.Inc() },
		Interval:   interval,
		PauseGrace: grace,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, msg)
}

func TestPollerFetchesAndApplies(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, time.Second)

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return f.applied.Load() >= 3 }, "Poller should apply repeatedly")
	assert.GreaterOrEqual(t, f.calls.Load(), int64(3), "Each apply needs a fetch")
}

func TestPollerSuppressedWhileWriteInFlight(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, time.Second)

	p.Start(context.Background())
	defer p.Stop()
	waitFor(t, func() bool { return f.calls.Load() >= 1 }, "Initial tick should run")

	p.BeginWrite()
	before := f.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, f.calls.Load(), "No fetch may start while a write is in flight")

	p.EndWrite()
	waitFor(t, func() bool { return f.calls.Load() > before }, "Polling should resume after the write")
}

func TestPollerDiscardsResponseStalerThanWrite(t *testing.T) {
	f := &fetchStub{block: make(chan struct{})}
	p := newTestPoller(f, time.Hour, time.Second)

	// One tick starts and blocks inside fetch.
	p.Start(context.Background())
	defer p.Stop()
	waitFor(t, func() bool { return f.calls.Load() == 1 }, "First fetch should start")

	// A write lands while the fetch is in flight.
	p.BeginWrite()
	p.EndWrite()

	// Release the stale response: it must not be applied.
	f.mu.Lock()
	close(f.block)
	f.block = nil
	f.mu.Unlock()

	// The EndWrite poke triggers a fresh fetch which is applied.
	waitFor(t, func() bool { return f.applied.Load() >= 1 }, "Post-write fetch should apply")
	assert.Equal(t, int64(1), f.applied.Load(), "The pre-write response must be discarded")
	assert.Equal(t, int64(2), f.calls.Load(), "Exactly the stale fetch and the post-write fetch")
}

func TestPollerPauseStopsAfterGraceAndResumeRestarts(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, 50*time.Millisecond)

	p.Start(context.Background())
	defer p.Stop()
	waitFor(t, func() bool { return f.calls.Load() >= 1 }, "Initial tick should run")

	p.Pause()

	// Within the grace window polling keeps going.
	during := f.calls.Load()
	waitFor(t, func() bool { return f.calls.Load() > during }, "Polling should continue during the grace window")

	// After the grace delay it stops.
	time.Sleep(80 * time.Millisecond)
	stopped := f.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, f.calls.Load(), "Polling must stop once the pause grace elapses")

	// Resume restarts immediately, without waiting a full interval.
	p.Resume()
	waitFor(t, func() bool { return f.calls.Load() > stopped }, "Resume should poll immediately")
}

func TestPollerResumeWithinGraceCancelsPendingPause(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, 40*time.Millisecond)

	p.Start(context.Background())
	defer p.Stop()

	p.Pause()
	p.Resume()

	// Long after the original grace deadline, polling is still alive.
	time.Sleep(100 * time.Millisecond)
	before := f.calls.Load()
	waitFor(t, func() bool { return f.calls.Load() > before }, "A resumed poller must not stop at the stale grace deadline")
}

func TestPollerSilentModeSuppressesLoading(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, time.Second)
	p.SetSilent(true)

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return f.applied.Load() >= 2 }, "Silent mode still reconciles")
	assert.Equal(t, int64(0), f.loading.Load(), "Silent mode must not surface loading")

	p.SetSilent(false)
	waitFor(t, func() bool { return f.loading.Load() > 0 }, "Loading resumes when silent mode ends")
}

func TestPollerStopTerminatesLoop(t *testing.T) {
	f := &fetchStub{}
	p := newTestPoller(f, 10*time.Millisecond, time.Second)

	p.Start(context.Background())
	waitFor(t, func() bool { return f.calls.Load() >= 1 }, "Poller should run before stop")

	p.Stop()
	after := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.calls.Load(), "No ticks may run after Stop")

	// Stop is idempotent.
	p.Stop()
}
