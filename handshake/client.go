package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"smartconnect/endpoint"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// Timeouts bound each attempt independently, per operation
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: DefaultConnectTimeout,
		Read:    DefaultReadTimeout,
		Write:   DefaultWriteTimeout,
	}
}

// Client performs the handshake call with one failover to the secondary endpoint
type Client struct {
	primary    endpoint.Endpoint
	secondary  *endpoint.Endpoint
	httpClient *http.Client
}

// NewClient creates a handshake client. secondary may be nil to disable failover.
func NewClient(primary endpoint.Endpoint, secondary *endpoint.Endpoint, timeouts Timeouts) *Client {
	if timeouts.Connect <= 0 {
		timeouts.Connect = DefaultConnectTimeout
	}
	if timeouts.Read <= 0 {
		timeouts.Read = DefaultReadTimeout
	}
	if timeouts.Write <= 0 {
		timeouts.Write = DefaultWriteTimeout
	}

	dialer := &net.Dialer{Timeout: timeouts.Connect}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: timeouts.Read, write: timeouts.Write}, nil
		},
		TLSHandshakeTimeout: timeouts.Connect,
		DisableKeepAlives:   true,
	}

	return &Client{
		primary:    primary,
		secondary:  secondary,
		httpClient: &http.Client{Transport: transport},
	}
}

// Handshake sends the request to the primary endpoint. A transport failure there is retried
// exactly once against the secondary endpoint; if that also fails at transport level the
// primary error is returned. Application errors are never retried.
func (c *Client) Handshake(ctx context.Context, in HandshakeRequest) (*HandshakeResponse, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handshake request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.primary.URL(Path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Infof("[Handshake] requesting %s, clientVersion=%s", req.URL, in.ClientVersion)

	resp, err := c.do(req, c.primary)
	if err == nil {
		return resp, nil
	}

	var primaryErr *TransportError
	if !errors.As(err, &primaryErr) || c.secondary == nil {
		return nil, err
	}

	log.Warnf("[Handshake] primary failed, failing over to %s: %v", c.secondary, primaryErr.Err)

	retry, rewriteErr := endpoint.Rewrite(req, *c.secondary)
	if rewriteErr != nil {
		log.Errorf("[Handshake] cannot fail over: %v", rewriteErr)
		return nil, err
	}
	resp, secondaryErr := c.do(retry, *c.secondary)
	if secondaryErr == nil {
		return resp, nil
	}
	if IsTransport(secondaryErr) {
		log.Warnf("[Handshake] secondary failed as well, reporting primary error: %v", secondaryErr)
		return nil, err
	}
	return nil, secondaryErr
}

func (c *Client) do(req *http.Request, target endpoint.Endpoint) (*HandshakeResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: target.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Endpoint: target.String(), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ApplicationError{Endpoint: target.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out HandshakeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ApplicationError{
			Endpoint:   target.String(),
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	log.Infof("[Handshake] %s answered: updateNeeded=%v, forceUpdate=%v, configs=%d",
		target, out.UpdateNeeded, out.ForceUpdate, len(out.Configs))
	return &out, nil
}

// deadlineConn arms a fresh deadline before every read and every write
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(b)
}
