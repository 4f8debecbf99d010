package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/rs/zerolog/log"
)

const (
	defaultHealthRetries = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffCap    = 8 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// HealthGate classifies a node as healthy or unhealthy via an HTTP probe or
// an external check script, with bounded retries and exponential backoff.
// An unreachable node counts as unhealthy, never as unknown.
type HealthGate struct {
	client NodeClient
	// sleepFn allows overriding for tests
	sleepFn func(time.Duration)
}

func NewHealthGate(client NodeClient) *HealthGate {
	return &HealthGate{client: client, sleepFn: time.Sleep}
}

// Check runs the probe for one node. The returned result is always
// non-nil; Healthy reports the final verdict after retries.
func (g *HealthGate) Check(ctx context.Context, node model.Node, spec *model.HealthCheckSpec, phase model.HealthPhase) *model.HealthResult {
	retries := spec.MaxRetries
	if retries <= 0 {
		retries = defaultHealthRetries
	}
	base := spec.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxDelay := spec.BackoffCap
	if maxDelay <= 0 {
		maxDelay = defaultBackoffCap
	}

	var result *model.HealthResult
	delay := base
	for attempt := 1; attempt <= retries; attempt++ {
		result = g.probeOnce(ctx, node, spec, phase)
		result.Attempts = attempt
		if result.Healthy {
			return result
		}
		log.Warn().
			Str("node", node.ID).
			Str("phase", string(phase)).
			Int("attempt", attempt).
			Str("message", result.Message).
			Msg("health check attempt failed")
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			result.Message = fmt.Sprintf("health check cancelled: %v", ctx.Err())
			return result
		default:
		}
		g.sleepFn(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return result
}

func (g *HealthGate) probeOnce(ctx context.Context, node model.Node, spec *model.HealthCheckSpec, phase model.HealthPhase) *model.HealthResult {
	switch spec.Kind {
	case model.HealthCheckScript:
		return g.probeScript(ctx, node, spec, phase)
	default:
		return g.probeHTTP(ctx, node, spec, phase)
	}
}

func (g *HealthGate) probeHTTP(ctx context.Context, node model.Node, spec *model.HealthCheckSpec, phase model.HealthPhase) *model.HealthResult {
	result := &model.HealthResult{Phase: phase}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	target := expandProbeURL(spec.URL, node)

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, method, target, nil)
	if err != nil {
		result.Message = fmt.Sprintf("build probe request: %v", err)
		return result
	}
	resp, err := http.DefaultClient.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("probe unreachable: %v", err)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result.StatusCode = resp.StatusCode
	expected := spec.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode == expected {
		result.Healthy = true
	} else {
		result.Message = fmt.Sprintf("status %d, expected %d", resp.StatusCode, expected)
	}
	return result
}

func (g *HealthGate) probeScript(ctx context.Context, node model.Node, spec *model.HealthCheckSpec, phase model.HealthPhase) *model.HealthResult {
	result := &model.HealthResult{Phase: phase}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	exitCode, output, err := g.client.Exec(probeCtx, node, spec.Script)
	result.Latency = time.Since(start)
	result.ExitCode = exitCode
	if err != nil {
		result.Message = fmt.Sprintf("check script unreachable: %v", err)
		return result
	}
	if exitCode == 0 {
		result.Healthy = true
	} else {
		result.Message = strings.TrimSpace(output)
		if result.Message == "" {
			result.Message = fmt.Sprintf("check script exited %d", exitCode)
		}
	}
	return result
}

// expandProbeURL substitutes {node} with the node's host so one spec can
// probe every node of a fleet.
func expandProbeURL(raw string, node model.Node) string {
	if !strings.Contains(raw, "{node}") {
		return raw
	}
	host := node.Address
	if u, err := url.Parse(node.Address); err == nil && u.Host != "" {
		host = u.Host
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
	}
	return strings.ReplaceAll(raw, "{node}", host)
}
