package service

import (
	"errors"

	"dss/internal/server/database"
)

// Sentinel errors for the service layer. Anything else reaching the API is
// an internal failure.
var (
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
)

// notFound translates a missing row into the service-level sentinel and
// passes every other error through.
func notFound(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
