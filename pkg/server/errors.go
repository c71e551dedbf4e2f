package server

import "errors"

// Rejection reasons surfaced to clients in nak payloads.
var (
	ErrDuplicateIdentity  = errors.New("client ID already in use")
	ErrServerFull         = errors.New("server full")
	ErrConferenceExists   = errors.New("session already exists")
	ErrConferenceNotFound = errors.New("session not found")
	ErrConferenceTableFull = errors.New("session table full")
)
