package probing

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"smartconnect/structs"
)

// TCPProber is the transport-latency strategy: time to establish a bare TCP connection
type TCPProber struct {
	dialer net.Dialer
}

func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

func (p *TCPProber) Probe(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult {
	if err := validTarget(profile); err != nil {
		return unreachable(profile, err)
	}

	ctx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	target := profile.HostPort()
	startTime := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debugf("TCP probe failed for %s (%s): %v", profile.ID, target, err)
		return unreachable(profile, err)
	}
	delay := time.Since(startTime)
	conn.Close()

	log.Debugf("TCP probe successful for %s (%s): %dms", profile.ID, target, delay.Milliseconds())
	return reachable(profile, delay)
}
