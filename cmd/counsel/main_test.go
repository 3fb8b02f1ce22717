// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/counsel/services/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	require.NoError(t, execute(context.Background(), "version"))
	assert.Equal(t, orchestrator.Version+"\n", out.String())
}

func TestServeCommand_BadConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		err := execute(context.Background(), "serve", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config file")
	})

	t.Run("invalid value", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "counsel.yaml")
		require.NoError(t, os.WriteFile(path, []byte("llm:\n  backend: carrier-pigeon\n"), 0o600))
		err := execute(context.Background(), "serve", "--config", path)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestServeCommand_RejectsArgs(t *testing.T) {
	assert.Error(t, execute(context.Background(), "serve", "extra"))
}
