package structs

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateProbing
	StateRanking
	StateSelecting
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateProbing:
		return "Probing"
	case StateRanking:
		return "Ranking"
	case StateSelecting:
		return "Selecting"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether a connection attempt has finished in this state
func (s ConnectionState) IsTerminal() bool {
	return s == StateIdle || s == StateConnected || s == StateFailed
}
