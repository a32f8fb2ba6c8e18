package domain

import "encoding/json"

// Live channel event names.
const (
	EventUserCount    = "userCount"
	EventBoardUpdated = "boardUpdated"
)

// UpdateEvent is the message published to the fan-out channel after an
// accepted write. UpdateID is the client-generated correlation id the
// originating session uses to recognise its own echo.
type UpdateEvent struct {
	BoardID  string          `json:"boardId"`
	Data     json.RawMessage `json:"boardData"`
	UpdateID string          `json:"updateId"`
}
