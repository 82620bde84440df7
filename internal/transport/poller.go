package transport

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/modforge/genwatch/internal/client"
	"github.com/modforge/genwatch/internal/logging"
)

// StatusFetcher is the polling endpoint.
type StatusFetcher interface {
	Status(ctx context.Context, sessionID string) (client.StatusReport, error)
}

// PollResult is one poll outcome.
type PollResult struct {
	Report client.StatusReport
	Err    error
}

// Settled reports whether the polled status needs no further polling.
func (r PollResult) Settled() bool {
	if r.Err != nil {
		return false
	}
	switch r.Report.Status {
	case "complete", "error", "paused":
		return true
	}
	return false
}

// Poller is the fallback used when the stream cannot be established. It
// fetches session status at a fixed rate until the session settles or the
// poller is stopped.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller that fetches at most once per interval.
func NewPoller(fetcher StatusFetcher, interval time.Duration, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		logger:   logging.OrDiscard(logger),
	}
}

// Start stops any running poll loop and begins polling sessionID. Results
// are delivered to fn from the poll goroutine.
func (p *Poller) Start(ctx context.Context, sessionID string, fn func(PollResult)) {
	p.Stop()

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	go func() {
		defer close(done)
		for {
			if err := limiter.Wait(pollCtx); err != nil {
				return
			}
			rep, err := p.fetcher.Status(pollCtx, sessionID)
			if pollCtx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("status poll failed", "session", sessionID, "err", err)
			}
			res := PollResult{Report: rep, Err: err}
			fn(res)
			if res.Settled() {
				return
			}
		}
	}()
}

// Stop cancels the poll loop, if any. It is idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports whether a poll loop is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
