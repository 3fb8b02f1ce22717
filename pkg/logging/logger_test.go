// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Format: FormatJSON, Service: "counsel", Output: &buf})
	defer logger.Close()

	logger.Slog().Info("hello", "thread_id", "t1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if record["service"] != "counsel" || record["thread_id"] != "t1" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestNew_AutoFormatOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Slog().Info("x")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("non-terminal output should be JSON, got %q", buf.String())
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Output: &buf})
	logger.Slog().Info("plain", "k", "v")

	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record should be written")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "svc", Format: FormatJSON, Output: &buf})

	logger.Slog().Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := filepath.Join(dir, "svc_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "to file") {
		t.Error("console should receive the record too")
	}

	if err := logger.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "sub"), Format: FormatJSON, Output: &buf})
	defer logger.Close()

	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected a warning about file logging, got %q", buf.String())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatJSON, Output: &buf})

	logger.With("request_id", "r1").Slog().Info("child")

	if !strings.Contains(buf.String(), `"request_id":"r1"`) {
		t.Errorf("child attribute missing: %q", buf.String())
	}
}

// =============================================================================
// Multi Handler Tests
// =============================================================================

func TestMultiHandler_Handle_LevelFiltering(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be enabled when any handler enables it")
	}

	slog.New(h).Info("info line")

	if !strings.Contains(debugBuf.String(), "info line") {
		t.Error("debug handler should receive info")
	}
	if warnBuf.Len() != 0 {
		t.Error("warn handler should not receive info")
	}
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}

	slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g")).Info("m", "x", 1)

	for _, buf := range []*bytes.Buffer{&a, &b} {
		if !strings.Contains(buf.String(), `"k":"v"`) || !strings.Contains(buf.String(), `"g":{"x":1}`) {
			t.Errorf("unexpected output %q", buf.String())
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
