// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm contains the streaming completion backends.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams holds optional sampling parameters. Nil means the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamCallback receives each non-empty text fragment in arrival order.
// Returning an error aborts the stream and ChatStream returns that error.
type StreamCallback func(fragment string) error

// CompletionClient streams a model answer for an ordered conversation.
//
// # Description
//
// ChatStream sends messages upstream and invokes onFragment for every
// piece of text as it arrives. It returns nil once the upstream reports
// completion and a non-nil error on any failure, including context
// cancellation. The concatenation of the fragments delivered before a nil
// return is the complete answer.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. onFragment is called
// from the goroutine that invoked ChatStream, never concurrently.
type CompletionClient interface {
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, onFragment StreamCallback) error
}

// ErrEmptyConversation is returned when ChatStream is called without messages.
var ErrEmptyConversation = errors.New("llm: conversation has no messages")

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float32
	MaxTokens   int
}

// New returns the backend named by cfg.Backend ("openai" or "ollama").
func New(cfg Config) (CompletionClient, error) {
	switch cfg.Backend {
	case "openai":
		return NewOpenAIClient(cfg)
	case "ollama":
		return NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown backend %q", cfg.Backend)
	}
}

// DefaultParams converts the configured sampling defaults into params.
func (c Config) DefaultParams() GenerationParams {
	var p GenerationParams
	if c.Temperature > 0 {
		t := c.Temperature
		p.Temperature = &t
	}
	if c.MaxTokens > 0 {
		m := c.MaxTokens
		p.MaxTokens = &m
	}
	return p
}
