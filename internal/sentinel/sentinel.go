package sentinel

import "errors"

// Sentinel dependency errors. Stores and sources return these (optionally wrapped)
// so the service boundary can translate them into domain errors exactly once.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrExpired      = errors.New("expired")
	ErrUnavailable  = errors.New("unavailable")
)
