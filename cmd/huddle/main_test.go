package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/config"
	"github.com/2389/huddle/internal/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HUDDLE_CONFIG", "/etc/huddle.toml")
	assert.Equal(t, "/etc/huddle.toml", getConfigPath())

	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "huddle", "huddle.yaml"), getConfigPath())
}

func TestRunToken(t *testing.T) {
	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HUDDLE_AUTH_JWT_SECRET", testSecret)

	var out bytes.Buffer
	require.NoError(t, runToken([]string{"--user", "alice", "--ttl", "1h"}, &out))

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	userID, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	assert.ErrorContains(t, runToken(nil, &out), "--user is required")
	assert.ErrorContains(t, runToken([]string{"--user", "a", "--ttl", "-1s"}, &out), "--ttl must be positive")
}

func TestCheckHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		status := metrics.Status{Healthy: healthy, Metrics: metrics.StatusMetrics{Hits: 1, Misses: 2, HitRatioPercentage: 100.0 / 3}}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, checkHealth(t.Context(), srv.URL, &out))
	assert.Contains(t, out.String(), "hits: 1  misses: 2  hit ratio: 33.33%")
	assert.Contains(t, out.String(), "healthy")

	healthy = false
	err := checkHealth(t.Context(), srv.URL, &out)
	assert.ErrorContains(t, err, "unhealthy: status 503")
}

func TestStarterConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(starterConfig("/tmp/huddle.db", testSecret)), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/huddle.db", cfg.Database.Path)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "participants", cfg.Realtime.DeliveryPolicy)
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	h := &colorHandler{mu: &sync.Mutex{}, out: &out, level: slog.LevelInfo}
	logger := slog.New(h).With("component", "gateway").WithGroup("req")

	logger.Debug("hidden")
	logger.Info("request done", "status", 200)

	line := out.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF request done")
	assert.Contains(t, line, "component=gateway")
	assert.Contains(t, line, "req.status=200")

}
