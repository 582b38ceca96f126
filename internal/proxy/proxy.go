// Package proxy forwards invocation payloads to a running replica over
// HTTP and polls its health endpoint until it accepts traffic.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neult/oken/internal/clock"
	"github.com/neult/oken/internal/runnererr"
)

// Proxy forwards requests to agent containers addressed by name on the
// shared Docker network.
type Proxy struct {
	client        *http.Client
	containerPort int
	healthTimeout time.Duration
	clock         clock.Clock
}

// New creates a Proxy whose client enforces invokeTimeout per request
// and whose readiness poll is bounded by healthTimeout.
func New(containerPort int, invokeTimeout, healthTimeout time.Duration, clk clock.Clock) *Proxy {
	return &Proxy{
		client:        &http.Client{Timeout: invokeTimeout},
		containerPort: containerPort,
		healthTimeout: healthTimeout,
		clock:         clk,
	}
}

func (p *Proxy) invokeURL(containerName string) string {
	return fmt.Sprintf("http://%s:%d/invoke", containerName, p.containerPort)
}

func (p *Proxy) healthURL(containerName string) string {
	return fmt.Sprintf("http://%s:%d/health", containerName, p.containerPort)
}

// Invoke forwards payload to containerName's /invoke endpoint and
// returns the decoded "output" field of its response. Transport
// failures, timeouts, and non-2xx responses are all reported as
// runnererr.InvokeFailed with the status hint spec.md §4.5 documents:
// 504 for a timeout, 502 for a connection failure, and the replica's own
// status code when it responds with an error.
func (p *Proxy) Invoke(ctx context.Context, containerName string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"input": payload})
	if err != nil {
		return nil, runnererr.InvokeFailed("encoding invoke payload: "+err.Error(), http.StatusInternalServerError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.invokeURL(containerName), bytes.NewReader(body))
	if err != nil {
		return nil, runnererr.InvokeFailed("building invoke request: "+err.Error(), http.StatusInternalServerError)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, runnererr.InvokeFailed("agent invocation timed out", http.StatusGatewayTimeout)
		}
		return nil, runnererr.InvokeFailed("failed to connect to agent: "+err.Error(), http.StatusBadGateway)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, runnererr.InvokeFailed(fmt.Sprintf("agent returned error: %s", string(raw)), resp.StatusCode)
	}

	var decoded struct {
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, runnererr.InvokeFailed("decoding agent response: "+err.Error(), http.StatusBadGateway)
	}
	return decoded.Output, nil
}

// HealthCheck reports whether containerName's /health endpoint answers
// 200 within 5 seconds.
func (p *Proxy) HealthCheck(ctx context.Context, containerName string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL(containerName), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitForReady polls HealthCheck once per second until it succeeds or
// healthTimeout elapses, returning false in the latter case.
func (p *Proxy) WaitForReady(ctx context.Context, containerName string) bool {
	deadline := p.clock.Now().Add(p.healthTimeout)
	for {
		if p.HealthCheck(ctx, containerName) {
			return true
		}
		if p.clock.Now().After(deadline) {
			return false
		}
		select {
		case <-p.clock.After(time.Second):
		case <-ctx.Done():
			return false
		}
	}
}
