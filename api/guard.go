package api

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kanbany-api/domain"
)

// MaxSecretLength bounds board secrets at creation time.
const MaxSecretLength = 100

const bcryptCost = 10

// Guard gates every board operation behind per-endpoint rate limits and
// secret verification. Creation carries the smallest budget because it
// provisions durable storage.
type Guard struct {
	read   *windowLimiter
	write  *windowLimiter
	create *windowLimiter
	stop   chan struct{}
}

// GuardConfig holds the per-endpoint rate budgets.
type GuardConfig struct {
	Window    time.Duration
	ReadMax   int
	WriteMax  int
	CreateMax int
}

// GuardConfigFromEnv builds a GuardConfig from the environment with the
// defaults the service ships with.
func GuardConfigFromEnv() GuardConfig {
	return GuardConfig{
		Window:    envDur("RATE_WINDOW", time.Minute),
		ReadMax:   envInt("RATE_READ_MAX", 40),
		WriteMax:  envInt("RATE_WRITE_MAX", 40),
		CreateMax: envInt("RATE_CREATE_MAX", 2),
	}
}

// NewGuard creates a Guard and starts the limiter sweepers.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	g := &Guard{
		read:   newWindowLimiter(cfg.Window, cfg.ReadMax),
		write:  newWindowLimiter(cfg.Window, cfg.WriteMax),
		create: newWindowLimiter(cfg.Window, cfg.CreateMax),
		stop:   make(chan struct{}),
	}
	go g.read.sweepLoop(g.stop)
	go g.write.sweepLoop(g.stop)
	go g.create.sweepLoop(g.stop)
	return g
}

// Close stops the background sweepers.
func (g *Guard) Close() {
	close(g.stop)
}

// AllowRead reports whether a read request from key fits the read budget.
func (g *Guard) AllowRead(key string) bool { return g.read.allow(key) }

// AllowWrite reports whether a write request from key fits the write budget.
func (g *Guard) AllowWrite(key string) bool { return g.write.allow(key) }

// AllowCreate reports whether a creation request from key fits the
// creation budget.
func (g *Guard) AllowCreate(key string) bool { return g.create.allow(key) }

// HashSecret derives the stored hash for a board secret. Secrets are never
// persisted or compared in plaintext.
func HashSecret(secret string) (string, error) {
	if len(secret) > MaxSecretLength {
		return "", fmt.Errorf("%w: secret must be at most %d characters", domain.ErrValidation, MaxSecretLength)
	}
	if secret == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret checks a presented secret against a board's stored hash.
// An unprotected board accepts any secret. A protected board with no
// presented secret yields ErrSecretRequired so clients know to prompt,
// distinct from ErrInvalidSecret for a wrong one.
func (g *Guard) VerifySecret(board *domain.Board, presented string) error {
	if !board.Protected() {
		return nil
	}
	if presented == "" {
		return domain.ErrSecretRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(board.SecretHash), []byte(presented)); err != nil {
		return domain.ErrInvalidSecret
	}
	return nil
}
