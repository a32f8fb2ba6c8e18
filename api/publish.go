package api

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanbany-api/domain"
)

// broadcaster publishes accepted writes to the fan-out channel.
type broadcaster interface {
	Publish(ctx context.Context, ev domain.UpdateEvent) error
}

// Publisher hands accepted writes to the fan-out channel. A failed publish
// is retried in the background with capped jittered backoff so a transient
// Redis outage does not silently drop fan-out; the persistence write has
// already been acknowledged by the time Publish is called, and delivery
// stays best-effort (retries are bounded, no backlog survives a restart).
type Publisher struct {
	hub          broadcaster
	logger       *log.Logger
	retryInitial time.Duration
	retryMax     time.Duration
	maxAttempts  int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a Publisher delivering through hub.
func NewPublisher(hub broadcaster, logger *log.Logger) *Publisher {
	return &Publisher{
		hub:          hub,
		logger:       logger,
		retryInitial: envDur("PUBLISH_RETRY_INITIAL", 250*time.Millisecond),
		retryMax:     envDur("PUBLISH_RETRY_MAX", 10*time.Second),
		maxAttempts:  envInt("PUBLISH_RETRY_ATTEMPTS", 5),
		stopCh:       make(chan struct{}),
	}
}

// Publish announces an update, falling back to background retries when the
// immediate attempt fails.
func (p *Publisher) Publish(ctx context.Context, ev domain.UpdateEvent) {
	err := p.hub.Publish(ctx, ev)
	if err == nil {
		return
	}
	p.logger.WithError(err).WithField("board", ev.BoardID).Warn("publish failed, scheduling retry")

	p.wg.Add(1)
	go p.retry(ev)
}

func (p *Publisher) retry(ev domain.UpdateEvent) {
	defer p.wg.Done()
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		timer := time.NewTimer(exponentialBackoff(attempt, p.retryInitial, p.retryMax))
		select {
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.hub.Publish(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		p.logger.WithError(err).WithFields(log.Fields{"board": ev.BoardID, "attempt": attempt}).Warn("publish retry failed")
	}
	p.logger.WithField("board", ev.BoardID).Error("dropping update event after exhausting publish retries")
}

// Close stops pending retries and waits for them to exit.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
