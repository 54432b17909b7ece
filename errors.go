package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every construction-time validation failure.
	ErrInvalidConfig = errors.New("raft: invalid config")

	// ErrNotInitialized is returned when stepping a replica before Init.
	ErrNotInitialized = errors.New("raft: replica not initialized")

	// ErrStopped is returned when stepping a replica that was closed or
	// hit a fatal storage error. The host must not keep driving it.
	ErrStopped = errors.New("raft: replica stopped")

	// ErrOutputNotEmpty is returned when the caller hands in an output
	// bundle still carrying items from a previous call. This is a
	// programming error in the host.
	ErrOutputNotEmpty = errors.New("raft: output bundle not empty")

	// ErrPayloadTooLarge is returned by Submit when the payload does not
	// fit the configured entry size.
	ErrPayloadTooLarge = errors.New("raft: payload exceeds entry payload size")
)

// NotLeaderError is returned by Submit on a replica that is not the
// leader. LeaderID carries the best-known leader, "" when unknown.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader (leader unknown)"
	}
	return fmt.Sprintf("raft: not leader (leader is %s)", e.LeaderID)
}
