// Package probing measures round trips to server profiles. A probe never returns an error to
// its caller: any failure becomes an Unreachable result with the cause attached for logging.
package probing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smartconnect/structs"
)

// DefaultProbeTimeout applies when a caller passes a non-positive timeout
const DefaultProbeTimeout = 3 * time.Second

// Prober performs one timed reachability check
type Prober interface {
	Probe(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult
}

// ProberFunc adapts a plain function to Prober
type ProberFunc func(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult

func (f ProberFunc) Probe(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult {
	return f(ctx, profile, timeout)
}

type Strategy string

const (
	// StrategyTCP measures time-to-connect to the server, without the proxy protocol
	StrategyTCP Strategy = "tcp"
	// StrategyReal measures an HTTP request through the negotiated proxy path
	StrategyReal Strategy = "real"
)

// ParseStrategy accepts "tcp"/"tcping" and "real"/"realping"; empty means StrategyTCP
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp", "tcping":
		return StrategyTCP, nil
	case "real", "realping", "real_ping":
		return StrategyReal, nil
	default:
		return "", fmt.Errorf("unknown probe strategy %q", s)
	}
}

// NewProber returns the prober for a strategy. testURL is only used by StrategyReal.
func NewProber(strategy Strategy, testURL string) Prober {
	if strategy == StrategyReal {
		return NewRealProber(testURL, nil)
	}
	return NewTCPProber()
}

func reachable(profile structs.ServerProfile, d time.Duration) structs.ProbeResult {
	return structs.ProbeResult{
		ServerID: profile.ID,
		Latency:  structs.LatencyOf(d),
		ProbedAt: time.Now(),
	}
}

func unreachable(profile structs.ServerProfile, cause error) structs.ProbeResult {
	return structs.ProbeResult{
		ServerID: profile.ID,
		Latency:  structs.Unreachable,
		ProbedAt: time.Now(),
		Cause:    cause,
	}
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultProbeTimeout
	}
	return timeout
}

func validTarget(profile structs.ServerProfile) error {
	if profile.Address == "" {
		return fmt.Errorf("profile %s has no address", profile.ID)
	}
	if profile.Port < 1 || profile.Port > 65535 {
		return fmt.Errorf("profile %s has invalid port %d", profile.ID, profile.Port)
	}
	return nil
}
