package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"kanbany-api/domain"
)

type flakyBroadcaster struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyBroadcaster) Publish(ctx context.Context, ev domain.UpdateEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis unavailable")
	}
	return nil
}

func (f *flakyBroadcaster) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPublisherRetriesFailedPublish(t *testing.T) {
	t.Setenv("PUBLISH_RETRY_INITIAL", "1ms")
	t.Setenv("PUBLISH_RETRY_MAX", "5ms")

	fb := &flakyBroadcaster{failures: 2}
	pub := NewPublisher(fb, log.New())

	pub.Publish(context.Background(), domain.UpdateEvent{BoardID: "b1", UpdateID: "u1"})

	deadline := time.Now().Add(2 * time.Second)
	for fb.Calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 attempts, got %d", fb.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	pub.Close()
}

func TestPublisherGivesUpAfterMaxAttempts(t *testing.T) {
	t.Setenv("PUBLISH_RETRY_INITIAL", "1ms")
	t.Setenv("PUBLISH_RETRY_MAX", "2ms")
	t.Setenv("PUBLISH_RETRY_ATTEMPTS", "2")

	fb := &flakyBroadcaster{failures: 100}
	pub := NewPublisher(fb, log.New())

	pub.Publish(context.Background(), domain.UpdateEvent{BoardID: "b1", UpdateID: "u1"})
	pub.Close()

	// Immediate attempt plus two bounded retries.
	if got := fb.Calls(); got != 3 {
		t.Fatalf("expected 3 total attempts, got %d", got)
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	max := 100 * time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		d := exponentialBackoff(attempt, 10*time.Millisecond, max)
		if d > max+max/5 {
			t.Fatalf("attempt %d: backoff %v exceeds cap with jitter", attempt, d)
		}
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %v", attempt, d)
		}
	}
}
