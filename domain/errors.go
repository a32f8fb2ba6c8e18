package domain

import "errors"

// Error kinds surfaced by the board endpoints. Clients branch on these, so
// each condition stays distinct: a missing secret must not look like a
// wrong one, and an expired board must not look like an unknown id.
var (
	ErrNotFound       = errors.New("board not found")
	ErrExpired        = errors.New("board expired")
	ErrSecretRequired = errors.New("secret header missing")
	ErrInvalidSecret  = errors.New("invalid secret")
	ErrRateLimited    = errors.New("too many requests")
	ErrValidation     = errors.New("invalid request")
)

// ErrorCode maps an error to its machine-checkable wire code. Unrecognized
// errors map to the generic internal code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSecretRequired):
		return "secret_required"
	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
