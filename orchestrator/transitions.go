package orchestrator

import "smartconnect/structs"

// transitions lists every legal edge. Cancellation and external session drops may reach
// Idle from anywhere; everything else moves forward only.
var transitions = map[structs.ConnectionState][]structs.ConnectionState{
	structs.StateIdle:          {structs.StateProbing, structs.StateSelecting},
	structs.StateProbing:       {structs.StateRanking, structs.StateFailed},
	structs.StateRanking:       {structs.StateSelecting, structs.StateFailed},
	structs.StateSelecting:     {structs.StateConnecting, structs.StateFailed},
	structs.StateConnecting:    {structs.StateConnected, structs.StateFailed},
	structs.StateConnected:     {structs.StateDisconnecting},
	structs.StateDisconnecting: {},
	structs.StateFailed:        {},
}

func allowed(from, to structs.ConnectionState) bool {
	if to == structs.StateIdle {
		return from != structs.StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
