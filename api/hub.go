package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanbany-api/domain"
)

// sessionBuffer bounds per-session undelivered events. Delivery is
// at-most-once best-effort: a session that cannot keep up misses events
// and converges through its next full reload.
const sessionBuffer = 8

type sseEvent struct {
	Name string
	Data []byte
}

// Session is one connected live-channel subscriber, bound to a single
// board for its lifetime.
type Session struct {
	id     string
	events chan sseEvent
}

// Events returns the channel the hub delivers events on.
func (s *Session) Events() <-chan sseEvent { return s.events }

// Hub tracks, per board, the set of connected sessions and fans update
// events out to them. Updates travel through a Redis channel so every
// service instance's hub observes writes accepted anywhere. The hub is
// constructed and started explicitly by the composition root; there is no
// lazily materialized global.
type Hub struct {
	logger  *log.Logger
	rc      *redis.Client
	channel string

	mu     sync.Mutex
	boards map[string]map[*Session]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub bridging the given Redis pub/sub channel.
func NewHub(rc *redis.Client, channel string, logger *log.Logger) *Hub {
	return &Hub{
		logger:  logger,
		rc:      rc,
		channel: channel,
		boards:  make(map[string]map[*Session]struct{}),
	}
}

// Start launches the Redis subscription bridge.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop tears down the subscription bridge and waits for it to exit.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		sub := h.rc.Subscribe(ctx, h.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.UpdateEvent
				if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.WithError(err).Error("unable to parse update event")
					continue
				}
				h.broadcastUpdate(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

// Publish announces an accepted write on the fan-out channel. Every hub
// subscribed to the channel delivers it to that board's sessions.
func (h *Hub) Publish(ctx context.Context, ev domain.UpdateEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return h.rc.Publish(ctx, h.channel, data).Err()
}

// Join adds a session to a board's presence set and broadcasts the new
// participant count to that board's members only. Secret validation
// happens before Join is called; the hub only does bookkeeping.
func (h *Hub) Join(boardID string) *Session {
	s := &Session{
		id:     uuid.NewString(),
		events: make(chan sseEvent, sessionBuffer),
	}

	h.mu.Lock()
	members, ok := h.boards[boardID]
	if !ok {
		members = make(map[*Session]struct{})
		h.boards[boardID] = members
	}
	members[s] = struct{}{}
	h.broadcastCountLocked(boardID, len(members))
	h.mu.Unlock()

	return s
}

// Leave removes a session and broadcasts the updated count to the
// remaining members. The departing session is removed before the
// broadcast, so when the last member leaves the zero count has no
// recipients and the board's bookkeeping is simply reclaimed.
func (h *Hub) Leave(boardID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.boards[boardID]
	if !ok {
		return
	}
	delete(members, s)
	h.broadcastCountLocked(boardID, len(members))
	if len(members) == 0 {
		delete(h.boards, boardID)
	}
}

// Count reports the current presence count for a board.
func (h *Hub) Count(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boards[boardID])
}

func (h *Hub) broadcastUpdate(ev domain.UpdateEvent) {
	data, err := sonic.ConfigStd.Marshal(struct {
		BoardData any    `json:"boardData"`
		UpdateID  string `json:"updateId"`
	}{BoardData: ev.Data, UpdateID: ev.UpdateID})
	if err != nil {
		h.logger.WithError(err).Error("marshal board update")
		return
	}

	h.mu.Lock()
	for s := range h.boards[ev.BoardID] {
		h.deliverLocked(s, sseEvent{Name: domain.EventBoardUpdated, Data: data})
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastCountLocked(boardID string, count int) {
	data := []byte(strconv.Itoa(count))
	for s := range h.boards[boardID] {
		h.deliverLocked(s, sseEvent{Name: domain.EventUserCount, Data: data})
	}
}

func (h *Hub) deliverLocked(s *Session, ev sseEvent) {
	select {
	case s.events <- ev:
	default:
		h.logger.WithField("session", s.id).Debug("dropping event for slow session")
	}
}
