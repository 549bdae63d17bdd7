package relay

import "errors"

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKeyInactive        = errors.New("api key inactive")
	ErrNotFound           = errors.New("not found")
	ErrNoCandidates       = errors.New("no accounts available")
	ErrExhausted          = errors.New("all accounts failed")
	ErrPayloadTooLarge    = errors.New("request payload too large")
	ErrNotRefreshable     = errors.New("account is not refreshable")
	ErrClientDisconnected = errors.New("client disconnected")
	ErrWriterFull         = errors.New("writer queue full")
	ErrInvalidGrant       = errors.New("refresh token rejected")
	ErrSpendLimit         = errors.New("spend limit exceeded")
)
