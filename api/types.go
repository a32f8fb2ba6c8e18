package api

import (
	"context"
	"encoding/json"
	"time"

	"kanbany-api/domain"
)

// Storage abstracts board persistence for handlers.
type Storage interface {
	Create(ctx context.Context, name, secretHash string, data json.RawMessage, expiresAt *time.Time) (string, error)
	Fetch(ctx context.Context, id string) (*domain.Board, error)
	Replace(ctx context.Context, id string, data json.RawMessage) error
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createBoardRequest struct {
	Name       string          `json:"name"`
	Secret     string          `json:"secret"`
	Expiration string          `json:"expiration"`
	Data       json.RawMessage `json:"data"`
}

type createBoardResponse struct {
	ID      string     `json:"id"`
	URL     string     `json:"url"`
	Expires *time.Time `json:"expires"`
}

type boardResponse struct {
	Data      json.RawMessage `json:"data"`
	Name      string          `json:"name"`
	ExpiresAt *time.Time      `json:"expiresAt"`
}

type updateBoardRequest struct {
	Data     json.RawMessage `json:"data"`
	Secret   string          `json:"secret"`
	UpdateID string          `json:"updateId"`
}

type updateBoardResponse struct {
	UpdateID string `json:"updateId"`
}
