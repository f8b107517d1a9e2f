package sync

import (
	"context"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
)

// PollState represents the current state of the watch loop.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

func (s PollState) String() string {
	switch s {
	case PollRunning:
		return "running"
	case PollError:
		return "error"
	default:
		return "idle"
	}
}

// PollStatus holds the outcome of the most recent cycles.
type PollStatus struct {
	State       PollState
	Cycles      int
	LastRun     time.Time
	LastSuccess time.Time
	LastSummary *model.RunSummary
	Error       error
}

// CycleResultMsg is a tea.Msg sent when a cycle completes.
type CycleResultMsg struct {
	Summary   model.RunSummary
	Error     error
	AuthError bool
}

// CycleFunc performs one complete sync pass, typically connecting,
// running every folder and logging out.
type CycleFunc func(ctx context.Context) (model.RunSummary, error)

// defaultInterval applies when the poller is created without an interval.
const defaultInterval = 15 * time.Minute

// Poller runs a cycle immediately and then on every interval tick or
// explicit trigger. Cycles never overlap.
type Poller struct {
	cycle     CycleFunc
	interval  time.Duration
	status    PollStatus
	resultCh  chan CycleResultMsg
	triggerCh chan struct{}
	stopCh    chan struct{}
	mu        gosync.Mutex
	running   bool
	stopped   bool
}

// NewPoller creates a Poller.
func NewPoller(cycle CycleFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		cycle:     cycle,
		interval:  interval,
		resultCh:  make(chan CycleResultMsg, 16),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Interval returns the time between scheduled cycles.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run blocks until ctx is cancelled or Stop is called. It returns nil on
// Stop and ctx.Err() on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.runCycle(ctx)
		case <-p.triggerCh:
			p.runCycle(ctx)
			ticker.Reset(p.interval)
		}
	}
}

// Trigger requests an immediate cycle. Requests made while one is already
// pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Stop ends Run after the current cycle.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	close(p.stopCh)
	p.stopped = true
}

// Status returns a snapshot of the poller's status.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) runCycle(ctx context.Context) {
	p.mu.Lock()
	p.status.State = PollRunning
	p.mu.Unlock()

	summary, err := p.cycle(ctx)

	p.mu.Lock()
	now := time.Now()
	p.status.Cycles++
	p.status.LastRun = now
	p.status.LastSummary = &summary
	p.status.Error = err
	if err != nil || summary.Failed() > 0 {
		p.status.State = PollError
	} else {
		p.status.State = PollIdle
		p.status.LastSuccess = now
	}
	p.mu.Unlock()

	p.sendResult(CycleResultMsg{
		Summary:   summary,
		Error:     err,
		AuthError: source.IsAuthError(err),
	})
}

// sendResult sends a CycleResultMsg on the result channel without blocking.
func (p *Poller) sendResult(msg CycleResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// WaitForResult returns a tea.Cmd that waits for the next cycle result.
// Call it again after each CycleResultMsg to keep listening.
func (p *Poller) WaitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}
