package wanthave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPollSchedule is the unread poll interval used when none is configured.
const DefaultPollSchedule = "@every 30s"

// ParsePollSchedule parses a standard cron expression or descriptor such as
// "@every 30s" or "*/1 * * * *".
func ParsePollSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = DefaultPollSchedule
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", expr, err)
	}
	return sched, nil
}

// UnreadSource returns the out-of-band unread summary. *ConversationsClient
// implements it.
type UnreadSource interface {
	UnreadCount(ctx context.Context) (*UnreadSummary, error)
}

// PollerStats are the counters of the current run. They start from zero on
// every Start.
type PollerStats struct {
	Unread  int
	Polls   int
	Skipped int
}

// UnreadPoller fetches the unread summary on a schedule while a session is
// authenticated. A failed fetch skips the cycle without touching any state.
type UnreadPoller struct {
	source   UnreadSource
	schedule cron.Schedule
	onUpdate func(int)
	log      zerolog.Logger

	mu      sync.Mutex
	stats   PollerStats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUnreadPoller creates a stopped poller. onUpdate may be nil.
func NewUnreadPoller(source UnreadSource, schedule cron.Schedule, onUpdate func(int), logger zerolog.Logger) *UnreadPoller {
	return &UnreadPoller{
		source:   source,
		schedule: schedule,
		onUpdate: onUpdate,
		log:      logger.With().Str("component", "unread-poller").Logger(),
	}
}

// Start resets the counters, polls once immediately, then keeps polling on the
// schedule until Stop or ctx is done. Calling Start on a running poller does
// nothing; once ctx is done the poller reports stopped and can be started again.
func (p *UnreadPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stats = PollerStats{}

	go p.run(ctx, p.done)
	p.log.Debug().Msg("unread poller started")
}

// Stop ends the loop, waits for it to exit and resets the counters. It is safe
// to call on a stopped poller.
func (p *UnreadPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.stats = PollerStats{}
	p.mu.Unlock()
	p.log.Debug().Msg("unread poller stopped")
}

// Running reports whether the loop is active.
func (p *UnreadPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Unread returns the last fetched count.
func (p *UnreadPoller) Unread() int {
	return p.Stats().Unread
}

// Stats returns the counters of the current run.
func (p *UnreadPoller) Stats() PollerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *UnreadPoller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.exited(done)

	p.poll(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.poll(ctx)
		}
	}
}

func (p *UnreadPoller) poll(ctx context.Context) {
	sum, err := p.source.UnreadCount(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.mu.Lock()
		p.stats.Skipped++
		p.mu.Unlock()
		p.log.Debug().Err(err).Msg("unread poll failed, skipping cycle")
		return
	}

	p.mu.Lock()
	p.stats.Polls++
	p.stats.Unread = sum.Count
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(sum.Count)
	}
}

// exited clears the running state when the loop ended because its context was
// done rather than through Stop, so a later Start runs a fresh loop.
func (p *UnreadPoller) exited(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.done != done {
		return
	}
	p.cancel()
	p.running = false
	p.cancel = nil
	p.stats = PollerStats{}
	p.log.Debug().Msg("unread poller ended with its context")
}
