package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanbany-api/canonical"
)

// Status describes the live channel connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// SessionConfig configures a sync Session. Zero values fall back to the
// defaults the board UI ships with.
type SessionConfig struct {
	// DebounceWindow is the quiescence period after the last local edit
	// before a save check fires (trailing debounce).
	DebounceWindow time.Duration
	// GraceWindow suppresses outgoing saves after an inbound broadcast was
	// applied, so the broadcast is not echoed back as a write. It is a
	// safety margin; update-id comparison is the primary echo guard.
	GraceWindow time.Duration
	// SaveTimeout bounds a single write round-trip.
	SaveTimeout time.Duration
	// ReconnectInitial and ReconnectMax bound the jittered exponential
	// backoff between reconnect attempts.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Logger *log.Logger

	// OnUpdate is invoked with the new payload after a full load and after
	// every applied broadcast.
	OnUpdate func(json.RawMessage)
	// OnPresence is invoked with the live participant count.
	OnPresence func(int)
	// OnStatus is invoked on connection state transitions.
	OnStatus func(Status)
	// OnSaveError is invoked when a debounced write is rejected. The local
	// payload is kept; a later edit naturally retries.
	OnSaveError func(error)
}

func (cfg *SessionConfig) applyDefaults() {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 2 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 500 * time.Millisecond
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 15 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
}

// Session reconciles one tab's local edits against the shared board. The
// debounce timer and the broadcast handler both mutate session state, so
// every path runs under the session mutex.
type Session struct {
	client  *Client
	boardID string
	secret  string
	cfg     SessionConfig
	now     func() time.Time

	mu                     sync.Mutex
	localPayload           json.RawMessage
	lastSavedCanonical     []byte
	lastOriginatedUpdateID string
	suppressSaveUntil      time.Time
	debounce               *time.Timer
	name                   string
	expiresAt              *time.Time
}

// NewSession creates a Session for one board. Call Load (or Run, which
// loads first) before mutating the payload.
func NewSession(c *Client, boardID, secret string, cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		client:  c,
		boardID: boardID,
		secret:  secret,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Name returns the board display name from the last load.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ExpiresAt returns the board expiry from the last load, nil if permanent.
func (s *Session) ExpiresAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Payload returns the current local payload.
func (s *Session) Payload() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPayload
}

// Load performs the full board read that every connection (and
// reconnection) starts from. Broadcasts only carry replacements, never
// snapshots, so nothing may be trusted before this fetch completes.
func (s *Session) Load(ctx context.Context) error {
	snap, err := s.client.GetBoard(ctx, s.boardID, s.secret)
	if err != nil {
		return err
	}
	canon, err := canonical.Encode(snap.Data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.localPayload = snap.Data
	s.lastSavedCanonical = canon
	s.name = snap.Name
	s.expiresAt = snap.ExpiresAt
	onUpdate := s.cfg.OnUpdate
	s.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap.Data)
	}
	return nil
}

// SetPayload records a local mutation and (re)schedules the save check.
// Rapid successive edits collapse into a single write.
func (s *Session) SetPayload(data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localPayload = append(json.RawMessage(nil), data...)
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.DebounceWindow, s.flush)
}

// Flush runs the save check immediately, as if the debounce had fired.
func (s *Session) Flush() {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Session) flush() {
	s.mu.Lock()

	if s.now().Before(s.suppressSaveUntil) {
		// An inbound broadcast was just applied; writing now would echo it
		// back from an already-stale base.
		s.mu.Unlock()
		return
	}

	canon, err := canonical.Encode(s.localPayload)
	if err != nil {
		onErr := s.cfg.OnSaveError
		s.mu.Unlock()
		if onErr != nil {
			onErr(err)
		}
		return
	}
	if bytes.Equal(canon, s.lastSavedCanonical) {
		// Edits cancelled out; skip the round-trip.
		s.mu.Unlock()
		return
	}

	updateID := uuid.NewString()
	s.lastOriginatedUpdateID = updateID
	// Optimistic: assume the write succeeds so the next debounce tick does
	// not re-send while the round-trip is still in flight. No rollback on
	// failure; a later edit retries under last-write-wins.
	s.lastSavedCanonical = canon
	payload := s.localPayload
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
	defer cancel()
	if err := s.client.UpdateBoard(ctx, s.boardID, s.secret, payload, updateID); err != nil {
		s.cfg.Logger.WithError(err).WithField("board", s.boardID).Warn("board save failed")
		if s.cfg.OnSaveError != nil {
			s.cfg.OnSaveError(err)
		}
	}
}

type broadcastEvent struct {
	BoardData json.RawMessage `json:"boardData"`
	UpdateID  string          `json:"updateId"`
}

func (s *Session) applyBroadcast(ev broadcastEvent) {
	s.mu.Lock()

	if ev.UpdateID != "" && ev.UpdateID == s.lastOriginatedUpdateID {
		// Echo of this session's own write; re-applying would only waste a
		// render and reset ephemeral UI state.
		s.mu.Unlock()
		return
	}

	s.suppressSaveUntil = s.now().Add(s.cfg.GraceWindow)
	s.localPayload = ev.BoardData
	if canon, err := canonical.Encode(ev.BoardData); err == nil {
		s.lastSavedCanonical = canon
	}
	onUpdate := s.cfg.OnUpdate
	s.mu.Unlock()

	if onUpdate != nil {
		onUpdate(ev.BoardData)
	}
}

// Run drives the connection lifecycle until ctx is cancelled: full fetch,
// then live channel, then on any drop a fetch-then-join again, because any
// number of updates may have been missed while disconnected. Retries are
// unbounded with capped jittered backoff. Terminal conditions (unknown
// board, expired, bad secret) are returned instead of retried.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		s.setStatus(StatusConnecting)

		err := s.Load(ctx)
		if err == nil {
			stream, streamErr := s.client.openStream(ctx, s.boardID, s.secret)
			if streamErr == nil {
				s.setStatus(StatusConnected)
				attempt = 0
				s.consume(ctx, stream.Body)
				stream.Body.Close()
				s.setStatus(StatusDisconnected)
				err = nil
			} else {
				err = streamErr
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if terminal(err) {
				return err
			}
			s.cfg.Logger.WithError(err).WithField("board", s.boardID).Warn("board connection failed")
			s.setStatus(StatusDisconnected)
		}

		attempt++
		delay := reconnectBackoff(attempt, s.cfg.ReconnectInitial, s.cfg.ReconnectMax)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Session) setStatus(status Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status)
	}
}

// consume reads SSE events until the stream ends.
func (s *Session) consume(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var eventName string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			s.dispatch(eventName, data.Bytes())
			eventName = ""
			data.Reset()
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) dispatch(eventName string, data []byte) {
	switch eventName {
	case "userCount":
		count, err := strconv.Atoi(string(data))
		if err != nil {
			return
		}
		if s.cfg.OnPresence != nil {
			s.cfg.OnPresence(count)
		}
	case "boardUpdated":
		var ev broadcastEvent
		if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
			s.cfg.Logger.WithError(err).Warn("unable to parse board update")
			return
		}
		s.applyBroadcast(ev)
	}
}

// terminal reports whether an error should stop the reconnect loop: the
// board is gone or the credentials are wrong, so retrying cannot help.
func terminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case "not_found", "expired", "secret_required", "invalid_secret":
		return true
	}
	return false
}

func reconnectBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
