package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrNoReachableServer = errors.New("no reachable server")
	ErrBusy              = errors.New("a connection attempt is already in progress")
	ErrNotConnected      = errors.New("not connected")
	ErrNoSelection       = errors.New("no selected server")
	ErrCancelled         = errors.New("connection attempt cancelled")
)

// SessionStartError means the VPN layer rejected the selected profile
type SessionStartError struct {
	ProfileID string
	Err       error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("session start failed for %s: %v", e.ProfileID, e.Err)
}

func (e *SessionStartError) Unwrap() error {
	return e.Err
}
