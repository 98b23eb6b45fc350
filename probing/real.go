package probing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"smartconnect/structs"
)

// DefaultTestURL answers 204 with an empty body
const DefaultTestURL = "https://www.gstatic.com/generate_204"

var ErrUnsupportedProtocol = errors.New("no proxy dialer for protocol")

// TransportFactory builds a round tripper that reaches the internet through the profile's
// proxy. Protocols that need the full proxy core are served by a factory the core supplies.
type TransportFactory func(profile structs.ServerProfile) (http.RoundTripper, error)

// RealProber is the application-latency strategy: one HTTP request through the proxy path,
// measured end to end
type RealProber struct {
	testURL string
	factory TransportFactory
}

// NewRealProber creates the prober. Empty testURL means DefaultTestURL; nil factory
// means DefaultTransportFactory.
func NewRealProber(testURL string, factory TransportFactory) *RealProber {
	if testURL == "" {
		testURL = DefaultTestURL
	}
	if factory == nil {
		factory = DefaultTransportFactory
	}
	return &RealProber{testURL: testURL, factory: factory}
}

func (p *RealProber) Probe(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult {
	if err := validTarget(profile); err != nil {
		return unreachable(profile, err)
	}

	ctx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	rt, err := p.factory(profile)
	if err != nil {
		return unreachable(profile, fmt.Errorf("negotiation failed: %w", err))
	}
	if closer, ok := rt.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.testURL, nil)
	if err != nil {
		return unreachable(profile, fmt.Errorf("failed to build test request: %w", err))
	}

	startTime := time.Now()
	resp, err := rt.RoundTrip(req)
	if err != nil {
		log.Debugf("Real probe failed for %s via %s: %v", profile.ID, profile.HostPort(), err)
		return unreachable(profile, err)
	}
	delay := time.Since(startTime)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return unreachable(profile, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, p.testURL))
	}

	log.Debugf("Real probe successful for %s via %s: %dms", profile.ID, profile.HostPort(), delay.Milliseconds())
	return reachable(profile, delay)
}

// DefaultTransportFactory speaks SOCKS5 ("socks", "socks5") and HTTP CONNECT ("http", "https")
// proxies directly
func DefaultTransportFactory(profile structs.ServerProfile) (http.RoundTripper, error) {
	target := profile.HostPort()
	switch strings.ToLower(profile.Protocol) {
	case "socks", "socks5":
		dialer, err := proxy.SOCKS5("tcp", target, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer for %s: %w", target, err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", target)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
			DisableKeepAlives: true,
		}, nil
	case "http", "https":
		proxyURL := &url.URL{Scheme: strings.ToLower(profile.Protocol), Host: target}
		return &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedProtocol, profile.Protocol)
	}
}
