package structs

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Latency is a measured round trip in milliseconds, or Unreachable
type Latency int64

// Unreachable marks a probe that produced no measurement within its timeout
const Unreachable Latency = -1

func (l Latency) Reachable() bool {
	return l >= 0
}

func (l Latency) String() string {
	if !l.Reachable() {
		return "unreachable"
	}
	return fmt.Sprintf("%dms", int64(l))
}

// LatencyOf converts a measured duration, clamping negatives to zero
func LatencyOf(d time.Duration) Latency {
	if d < 0 {
		return 0
	}
	return Latency(d.Milliseconds())
}

// ServerProfile is one stored proxy server. The list is owned by the store; the core only
// reads snapshots and writes back LastLatency and the selected id.
type ServerProfile struct {
	ID          string  `json:"id"`
	Remarks     string  `json:"remarks,omitempty"`
	Address     string  `json:"address"`
	Port        int     `json:"port"`
	Protocol    string  `json:"protocol"` // protocol tag, e.g. "vless", "socks", "http"
	LastLatency Latency `json:"lastLatencyMs"`
	Selected    bool    `json:"-"`
}

// HostPort returns the dial target of the profile
func (p ServerProfile) HostPort() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// ProbeResult is produced once per profile per probing round
type ProbeResult struct {
	ServerID string    `json:"serverId"`
	Latency  Latency   `json:"latencyMs"`
	ProbedAt time.Time `json:"probedAt"`
	Cause    error     `json:"-"` // logging only
}

// ConfigBlob is one bundled config delivered by the handshake. A JSON string is kept
// verbatim, any other JSON value is kept as its raw text.
type ConfigBlob string

func (b *ConfigBlob) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = ConfigBlob(s)
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid config blob")
	}
	*b = ConfigBlob(data)
	return nil
}
