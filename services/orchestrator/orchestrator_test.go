// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/pkg/config"
	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// createTestConfig returns a configuration that needs no network or disk
// beyond a temp dir.
func createTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GinMode = gin.TestMode
	cfg.Server.AvatarDir = t.TempDir()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Storage.InMemory = true
	cfg.Storage.Path = ""
	cfg.LLM.Backend = "ollama"
	cfg.LLM.BaseURL = "http://127.0.0.1:1"
	cfg.Relay.InsecureMemory = true
	cfg.Telemetry.Exporter = "none"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_ServesHealthAndMetrics(t *testing.T) {
	svc, err := New(createTestConfig(t), nil, nil)
	require.NoError(t, err)
	t.Cleanup(svc.(*service).cleanup)

	w := get(t, svc.Router(), "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"`+Version+`"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = get(t, svc.Router(), "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = get(t, svc.Router(), "/api/domains", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Telemetry.MetricsEnabled = false

	svc, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(svc.(*service).cleanup)

	assert.Equal(t, http.StatusNotFound, get(t, svc.Router(), "/metrics", "").Code)
}

func TestNew_DefaultAuthRequiresSession(t *testing.T) {
	svc, err := New(createTestConfig(t), nil, nil)
	require.NoError(t, err)
	t.Cleanup(svc.(*service).cleanup)

	assert.Equal(t, http.StatusUnauthorized, get(t, svc.Router(), "/api/messages/t1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, svc.Router(), "/api/messages/t1", "forged").Code)
}

func TestNew_CustomAuthProvider(t *testing.T) {
	opts := extensions.DefaultOptions()
	svc, err := New(createTestConfig(t), &opts, nil)
	require.NoError(t, err)
	t.Cleanup(svc.(*service).cleanup)

	w := get(t, svc.Router(), "/api/messages/t1", "anything")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestNew_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.LLM.Backend = "carrier-pigeon" }},
		{"unknown exporter", func(c *config.Config) { c.Telemetry.Exporter = "fax" }},
		{"missing catalog", func(c *config.Config) { c.Prompts.CatalogPath = "/nonexistent/catalog.yaml" }},
		{"zero session ttl", func(c *config.Config) { c.Session.TTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.mutate(&cfg)
			svc, err := New(cfg, nil, nil)
			assert.Error(t, err)
			assert.Nil(t, svc)
		})
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Server.Port = freePort(t)
	svc, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The store is released on exit.
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.Router(), "/health", "").Code)
}

// newStallingUpstream streams one OpenAI chunk and then holds the response
// open until the client goes away.
func newStallingUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"c0","object":"chat.completion.chunk","model":"gpt-test","choices":[{"index":0,"delta":{"content":"partial"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestRun_ShutdownEndsOpenStreams(t *testing.T) {
	upstream := newStallingUpstream(t)
	cfg := createTestConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = 100 * time.Millisecond
	cfg.LLM.Backend = "openai"
	cfg.LLM.BaseURL = upstream.URL + "/v1"
	cfg.LLM.APIKey = "k"
	cfg.LLM.Model = "gpt-test"
	opts := extensions.DefaultOptions()
	svc, err := New(cfg, &opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, base+"/api/chat",
		strings.NewReader(`{"content":"Summarize this contract","domain":"law","threadId":"t1","role":"user"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		events = append(events, strings.TrimPrefix(line, "data: "))
		if len(events) == 1 {
			cancel()
		}
	}

	require.Len(t, events, 2, "one fragment then one terminal event")
	assert.JSONEq(t, `{"content":"partial"}`, events[0])
	assert.Contains(t, events[1], `"error"`)
	assert.NotContains(t, events[1], `"done"`)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded, "the stream outlived the graceful window")
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_PortInUse(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()

	cfg := createTestConfig(t)
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	svc, err := New(cfg, nil, nil)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	assert.ErrorContains(t, err, "http server")
}
