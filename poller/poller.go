// Package poller reconciles device-local session state with the relay by
// periodically re-fetching participant state and re-deriving the phase
// machine. Owner and approver run on separate devices with no direct channel;
// convergence is periodic idempotent reads, never callbacks assuming
// monotonic progress.
//
// Writes (accept, submit, approve, reject) suppress polling while in flight,
// and a response fetched before a write completed is discarded so a stale
// phase can never overwrite a newer user-initiated transition.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

const (
	// DefaultInterval is the reconciliation period.
	DefaultInterval = 3 * time.Second

	// DefaultPauseGrace is how long polling keeps running after Pause, to
	// tolerate transient app switches before actually stopping.
	DefaultPauseGrace = 2 * time.Second
)

// Config collects the poller's collaborators and timing knobs.
type Config struct {
	// Fetch performs the idempotent participant-state read.
	Fetch func(ctx context.Context) (interfaces.ParticipantState, error)

	// Apply consumes a fresh, non-stale state snapshot.
	Apply func(interfaces.ParticipantState)

	// Loading, if set, brackets each fetch so a UI can show progress. It is
	// not invoked in silent mode.
	Loading func(bool)

	// OnError, if set, receives fetch failures. Polling continues either way.
	OnError func(error)

	Interval   time.Duration
	PauseGrace time.Duration
	Log        *slog.Logger
}

// Poller drives periodic state reconciliation for one participant session.
type Poller struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	silent     bool
	paused     bool
	writes     int
	writeSeq   uint64
	pauseTimer *time.Timer

	kick chan struct{}
	done chan struct{}
}

// New creates a poller. Zero timing values select the defaults.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PauseGrace <= 0 {
		cfg.PauseGrace = DefaultPauseGrace
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Poller{
		cfg:  cfg,
		log:  cfg.Log,
		kick: make(chan struct{}, 1),
	}
}

// Start begins polling with an immediate first tick. It is a no-op if the
// poller is already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop halts polling permanently for this poller and waits for the loop to
// exit. Safe to call multiple times.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	if p.pauseTimer != nil {
		p.pauseTimer.Stop()
		p.pauseTimer = nil
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.kick:
			p.tick(ctx)
		}
	}
}

// tick runs one reconciliation round. It skips entirely while paused or while
// a write is in flight, and discards the response if a write started after
// the fetch began.
func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	if p.paused || p.writes > 0 {
		p.mu.Unlock()
		return
	}
	seq := p.writeSeq
	silent := p.silent
	p.mu.Unlock()

	if !silent && p.cfg.Loading != nil {
		p.cfg.Loading(true)
		defer p.cfg.Loading(false)
	}

	state, err := p.cfg.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Debug("State fetch failed, will retry on next tick", "err", err)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		return
	}

	p.mu.Lock()
	stale := p.writeSeq != seq || p.writes > 0
	p.mu.Unlock()
	if stale {
		p.log.Debug("Discarding poll response fetched before a local write")
		return
	}

	p.cfg.Apply(state)
}

// Poke requests an immediate reconciliation round without waiting for the
// next tick.
func (p *Poller) Poke() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// SetSilent toggles silent mode: reconciliation continues but the Loading
// callback is suppressed.
func (p *Poller) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// Pause schedules polling to stop after the grace delay. A Resume within the
// grace window cancels the pending stop.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pauseTimer != nil {
		return
	}
	p.pauseTimer = time.AfterFunc(p.cfg.PauseGrace, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.paused = true
		p.pauseTimer = nil
	})
}

// Resume restarts polling immediately, cancelling any pending pause.
func (p *Poller) Resume() {
	p.mu.Lock()
	if p.pauseTimer != nil {
		p.pauseTimer.Stop()
		p.pauseTimer = nil
	}
	p.paused = false
	p.mu.Unlock()

	p.Poke()
}

// BeginWrite marks a user-initiated write as in flight. Polling is suppressed
// until the matching EndWrite, and any response fetched before the write is
// discarded.
func (p *Poller) BeginWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	p.writeSeq++
}

// EndWrite marks the write finished and pokes an immediate reconciliation so
// the device converges on the post-write phase promptly.
func (p *Poller) EndWrite() {
	p.mu.Lock()
	if p.writes > 0 {
		p.writes--
	}
	p.mu.Unlock()

	p.Poke()
}
