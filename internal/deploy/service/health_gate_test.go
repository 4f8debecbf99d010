package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eeveon/eeveon/internal/deploy/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*HealthGate, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	gate := NewHealthGate(NewLocalNodeClient())
	gate.sleepFn = func(d time.Duration) { delays = append(delays, d) }
	return gate, &delays
}

func TestHealthGateHTTPHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gate, delays := newTestGate(t)
	spec := &model.HealthCheckSpec{Kind: model.HealthCheckHTTP, URL: srv.URL}

	res := gate.Check(context.Background(), model.Node{ID: "n1"}, spec, model.HealthPre)
	assert.True(t, res.Healthy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, model.HealthPre, res.Phase)
	assert.Empty(t, *delays)
}

func TestHealthGateRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gate, delays := newTestGate(t)
	spec := &model.HealthCheckSpec{
		Kind:        model.HealthCheckHTTP,
		URL:         srv.URL,
		MaxRetries:  5,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
	}

	res := gate.Check(context.Background(), model.Node{ID: "n1"}, spec, model.HealthPost)
	assert.True(t, res.Healthy)
	assert.Equal(t, 3, res.Attempts)
	// Delays double from the base between attempts.
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestHealthGateExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gate, delays := newTestGate(t)
	spec := &model.HealthCheckSpec{Kind: model.HealthCheckHTTP, URL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond}

	res := gate.Check(context.Background(), model.Node{ID: "n1"}, spec, model.HealthPost)
	assert.False(t, res.Healthy)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Len(t, *delays, 2)
}

func TestHealthGateBackoffCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gate, delays := newTestGate(t)
	spec := &model.HealthCheckSpec{
		Kind:        model.HealthCheckHTTP,
		URL:         srv.URL,
		MaxRetries:  5,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  250 * time.Millisecond,
	}

	res := gate.Check(context.Background(), model.Node{ID: "n1"}, spec, model.HealthPost)
	assert.False(t, res.Healthy)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		250 * time.Millisecond,
	}, *delays)
}

func TestHealthGateUnreachableIsUnhealthy(t *testing.T) {
	gate, _ := newTestGate(t)
	spec := &model.HealthCheckSpec{
		Kind:        model.HealthCheckHTTP,
		URL:         "http://127.0.0.1:1/health",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		Timeout:     200 * time.Millisecond,
	}

	res := gate.Check(context.Background(), model.Node{ID: "n1"}, spec, model.HealthPre)
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Message)
}

func TestHealthGateScript(t *testing.T) {
	gate, _ := newTestGate(t)
	node, _ := testNode(t)

	ok := gate.Check(context.Background(), node,
		&model.HealthCheckSpec{Kind: model.HealthCheckScript, Script: "true", MaxRetries: 1}, model.HealthPre)
	assert.True(t, ok.Healthy)
	assert.Equal(t, 0, ok.ExitCode)

	bad := gate.Check(context.Background(), node,
		&model.HealthCheckSpec{Kind: model.HealthCheckScript, Script: "echo broken; exit 7", MaxRetries: 1, BackoffBase: time.Millisecond}, model.HealthPost)
	assert.False(t, bad.Healthy)
	assert.Equal(t, 7, bad.ExitCode)
	assert.Contains(t, bad.Message, "broken")
}

func TestExpandProbeURL(t *testing.T) {
	node := model.Node{ID: "n1", Address: "http://10.0.0.5:7070"}
	assert.Equal(t, "http://10.0.0.5/health", expandProbeURL("http://{node}/health", node))
	assert.Equal(t, "http://fixed/health", expandProbeURL("http://fixed/health", node))
}
