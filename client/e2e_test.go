package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanbany-api/api"
	"kanbany-api/domain"
)

// memStore is an in-memory Storage for wiring the full service in tests.
type memStore struct {
	mu       sync.Mutex
	boards   map[string]*domain.Board
	nextID   int
	replaces int
}

func newMemStore() *memStore {
	return &memStore{boards: make(map[string]*domain.Board)}
}

func (m *memStore) Create(ctx context.Context, name, secretHash string, data json.RawMessage, expiresAt *time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("board-%d", m.nextID)
	m.boards[id] = &domain.Board{ID: id, Name: name, Data: data, SecretHash: secretHash, ExpiresAt: expiresAt}
	return id, nil
}

func (m *memStore) Fetch(ctx context.Context, id string) (*domain.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if board.Expired(time.Now()) {
		return nil, domain.ErrExpired
	}
	cpy := *board
	return &cpy, nil
}

func (m *memStore) Replace(ctx context.Context, id string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[id]
	if !ok {
		return domain.ErrNotFound
	}
	board.Data = data
	m.replaces++
	return nil
}

func (m *memStore) Replaces() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces
}

func startService(t *testing.T, store *memStore) string {
	t.Helper()
	logger := log.New()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	hub := api.NewHub(rc, "board-updates", logger)
	hub.Start()
	t.Cleanup(hub.Stop)

	pub := api.NewPublisher(hub, logger)
	t.Cleanup(pub.Close)

	guard := api.NewGuard(api.GuardConfig{Window: time.Minute, ReadMax: 1000, WriteMax: 1000, CreateMax: 1000})
	t.Cleanup(guard.Close)

	e := echo.New()
	api.Register(e, store, guard, hub, pub, logger)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts.URL
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	store := newMemStore()
	baseURL := startService(t, store)
	c := NewWithHTTPClient(baseURL, &http.Client{})

	created, err := c.CreateBoard(context.Background(), CreateBoardRequest{
		Name:       "Sprint 12",
		Secret:     "x",
		Expiration: "60",
	})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if created.Expires == nil {
		t.Fatal("expected an expiry for a 60-day board")
	}

	var mu sync.Mutex
	presence := map[string]int{}
	updates := map[string][]string{}

	newSess := func(name string) *Session {
		return NewSession(c, created.ID, "x", SessionConfig{
			DebounceWindow: 30 * time.Millisecond,
			GraceWindow:    50 * time.Millisecond,
			OnPresence: func(n int) {
				mu.Lock()
				presence[name] = n
				mu.Unlock()
			},
			OnUpdate: func(data json.RawMessage) {
				mu.Lock()
				updates[name] = append(updates[name], string(data))
				mu.Unlock()
			},
		})
	}
	a := newSess("a")
	b := newSess("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	waitFor(t, "both clients to see presence 2", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return presence["a"] == 2 && presence["b"] == 2
	})

	// Client A edits; after the debounce the write lands and B receives the
	// broadcast without issuing a write of its own.
	edited := `{"cards":[{"id":"c1","title":"renamed"}],"columns":[],"labels":[]}`
	a.SetPayload(json.RawMessage(edited))

	waitFor(t, "b to receive the broadcast", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range updates["b"] {
			if u == edited {
				return true
			}
		}
		return false
	})

	if got := store.Replaces(); got != 1 {
		t.Fatalf("expected exactly one store write, got %d", got)
	}

	// A must not have re-applied the echo of its own write. Its first
	// recorded update is the initial load.
	mu.Lock()
	if len(updates["a"]) == 0 {
		mu.Unlock()
		t.Fatal("session a never recorded its initial load")
	}
	for _, u := range updates["a"][1:] {
		if u == edited {
			mu.Unlock()
			t.Fatal("originating session re-applied its own broadcast")
		}
	}
	mu.Unlock()

	if string(b.Payload()) != edited {
		t.Fatalf("b did not converge, payload %s", b.Payload())
	}
}

func TestReconnectRefetchesOwnWrite(t *testing.T) {
	store := newMemStore()
	baseURL := startService(t, store)
	c := NewWithHTTPClient(baseURL, &http.Client{})

	created, err := c.CreateBoard(context.Background(), CreateBoardRequest{Name: "b", Expiration: "permanent"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}

	s := NewSession(c, created.ID, "", SessionConfig{DebounceWindow: 10 * time.Millisecond})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	edited := `{"cards":[1],"columns":[],"labels":[]}`
	s.SetPayload(json.RawMessage(edited))
	s.Flush()

	// A fresh connection starts from a full read and observes the write.
	s2 := NewSession(c, created.ID, "", SessionConfig{})
	if err := s2.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(s2.Payload()) != edited {
		t.Fatalf("reload did not reflect the prior write, got %s", s2.Payload())
	}
}
