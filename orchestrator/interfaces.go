package orchestrator

import (
	"time"

	"smartconnect/probing"
	"smartconnect/structs"
)

// Store is the external server list and settings store. The orchestrator only reads
// snapshots and writes back latency and selection.
type Store interface {
	GetAllServerProfiles() ([]structs.ServerProfile, error)
	SetSelectedServer(id string) error
	UpdateLatency(id string, latency structs.Latency) error
	GetSetting(key string) (string, bool)
	SelectedServer() (string, bool)
}

type SessionEventKind int

const (
	SessionStarted SessionEventKind = iota
	SessionFailed
	SessionStopped
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionStarted:
		return "started"
	case SessionFailed:
		return "failed"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type SessionEvent struct {
	Kind   SessionEventKind
	Reason string
}

// Session is the external VPN session. Start may return before the tunnel is up; the
// outcome arrives as a SessionEvent.
type Session interface {
	Start(profile structs.ServerProfile) error
	Stop() error
	Subscribe(fn func(SessionEvent)) (unsubscribe func())
}

// StateChange is pushed to state observers on every transition
type StateChange struct {
	From   structs.ConnectionState
	To     structs.ConnectionState
	Reason string
	Err    error
	At     time.Time
}

// RankedList is pushed after every probing round
type RankedList struct {
	Strategy probing.Strategy
	Ranked   []string
	Results  []structs.ProbeResult
}
