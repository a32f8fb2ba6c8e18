package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"kanbany-api/domain"
)

// MaxNameLength bounds board display names at creation time.
const MaxNameLength = 100

// Storage provides access to underlying persistence mechanisms. Boards are
// stored one entity each, keyed by their unguessable id.
type Storage struct {
	boardTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{boardTable: svc.NewClient(boardsTable)}, nil
}

type boardEntity struct {
	aztables.Entity
	Name       string `json:"Name"`
	Data       string `json:"Data"`
	SecretHash string `json:"SecretHash"`
	ExpiresAt  string `json:"ExpiresAt"`
}

type boardPatchEntity struct {
	aztables.Entity
	Data string `json:"Data"`
}

// Create allocates a fresh board id and writes the row. The name is
// bounded for storage hygiene; oversized names are rejected before any
// write happens.
func (s *Storage) Create(ctx context.Context, name, secretHash string, data json.RawMessage, expiresAt *time.Time) (string, error) {
	if name == "" || len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: name must be 1-%d characters", domain.ErrValidation, MaxNameLength)
	}
	id := uuid.NewString()
	ent := boardEntity{
		Entity:     aztables.Entity{PartitionKey: id, RowKey: id},
		Name:       name,
		Data:       string(data),
		SecretHash: secretHash,
	}
	if expiresAt != nil {
		ent.ExpiresAt = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := s.boardTable.AddEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Fetch retrieves a board by id. Expiry is checked on every read: a board
// whose expiry has passed surfaces domain.ErrExpired even though the row
// still physically exists.
func (s *Storage) Fetch(ctx context.Context, id string) (*domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	board := &domain.Board{
		ID:         id,
		Name:       ent.Name,
		Data:       json.RawMessage(ent.Data),
		SecretHash: ent.SecretHash,
	}
	if ent.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339Nano, ent.ExpiresAt)
		if err != nil {
			return nil, err
		}
		board.ExpiresAt = &t
	}
	if board.Expired(time.Now()) {
		return nil, domain.ErrExpired
	}
	return board, nil
}

// Replace overwrites the board payload wholesale. Writes never implicitly
// create: an unknown id is an error. Last writer wins; no version token is
// checked at this layer.
func (s *Storage) Replace(ctx context.Context, id string, data json.RawMessage) error {
	ent := boardPatchEntity{
		Entity: aztables.Entity{PartitionKey: id, RowKey: id},
		Data:   string(data),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.boardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
		if isNotFound(err) {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
