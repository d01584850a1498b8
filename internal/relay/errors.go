package relay

import "errors"

var (
	ErrNotFound    = errors.New("relay: not found")
	ErrConflict    = errors.New("relay: resource conflict")
	ErrForbidden   = errors.New("relay: forbidden")
	ErrNodeOffline = errors.New("relay: node offline")
	ErrInvalidInput = errors.New("relay: invalid input")
)
