package errors

import "errors"

// Client errors.
var ErrInvalidToken = errors.New("invalid or missing session token")

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrAuthFailed  = errors.New("push channel authentication failed")
)
