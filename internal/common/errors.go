// Package common defines shared sentinel errors used across the store and
// replication layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Store-level errors.
	ErrValidation      = errors.New("validation error")
	ErrAlreadyExists   = errors.New("already exists")
	ErrMigrationNeeded = errors.New("migration needed")

	// Replication-level errors.
	ErrTransport        = errors.New("transport error")
	ErrConflictRejected = errors.New("push rejected after conflict retry")
	ErrNoPeers          = errors.New("no connected peers")

	// Startup preconditions.
	ErrCryptoUnavailable = errors.New("secure random source unavailable")

	// Leader election.
	ErrNotLeader = errors.New("not the replication leader")
)
