// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay streams one chat turn from the completion backend to the
// caller and persists both sides of the exchange.
//
// # Description
//
// A request goes through two phases:
//
//   - Begin validates the request, persists the user turn and assembles the
//     conversation. Any failure here happens before a byte of the stream is
//     written, so the HTTP layer can still answer with a plain status code.
//   - Stream.Run forwards fragments to a Sink as they arrive and ends the
//     stream with exactly one terminal event: Done after the assistant
//     turn is persisted, or Error with nothing persisted.
//
// # Thread Safety
//
// A Relay is safe for concurrent use. A Stream must be run once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/llm"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/observability"
	"github.com/AleutianAI/counsel/services/orchestrator/prompts"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("counsel.relay")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid chat request")

	// ErrUnauthenticated is returned when Begin is called without an identity.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrPersistUserTurn wraps a failure to store the user turn.
	ErrPersistUserTurn = errors.New("failed to save message")

	// ErrIdleTimeout is the cancellation cause when the upstream goes quiet.
	ErrIdleTimeout = errors.New("completion upstream idle timeout")

	// ErrShuttingDown is the cancellation cause the server uses to cut
	// streams that outlive the graceful shutdown window. Run refuses new
	// streams with it once Drain has started.
	ErrShuttingDown = errors.New("server shutting down")

	errStreamClosed = errors.New("stream already finished")
)

// Client-facing error messages. Internal details never reach the client.
const (
	msgGenerateFailed = "Failed to generate response"
	msgIdleTimeout    = "The assistant stopped responding. Please try again."
	msgTooLong        = "The response was too long to complete."
	msgSaveFailed     = "Failed to save response"
	msgShuttingDown   = "The server is restarting. Please try again."
)

// =============================================================================
// Collaborators
// =============================================================================

// TurnStore persists and lists conversation turns.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn datatypes.Turn) (datatypes.Turn, error)
	ListTurns(ctx context.Context, threadID string) ([]datatypes.Turn, error)
}

// PromptResolver picks the system instruction for a turn.
type PromptResolver interface {
	Resolve(ctx context.Context, domain datatypes.Domain, subFeatureID string) prompts.Resolution
}

// Sink receives the events of one stream. Implementations must be safe
// for concurrent use: KeepAlive is called from a separate goroutine.
type Sink interface {
	Content(fragment string) error
	Done(messageID uint64, contentHash string) error
	Error(message string) error
	KeepAlive() error
}

// =============================================================================
// Relay
// =============================================================================

// Config tunes stream behavior.
type Config struct {
	// IdleTimeout cancels an upstream that produced nothing for this long.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
	// HeartbeatInterval spaces keepalive comments. Zero disables them.
	HeartbeatInterval time.Duration
	// PacingDelay is inserted between word-sized pieces of each fragment.
	PacingDelay time.Duration
	// MaxHistoryTurns caps prior turns sent upstream. Zero means no cap.
	MaxHistoryTurns int
	// InsecureMemory allows heap turn buffers when mlock is unavailable.
	InsecureMemory bool
	Params         llm.GenerationParams
}

// Dependencies are the collaborators of a Relay. Audit, Metrics and Logger
// are optional.
type Dependencies struct {
	Store   TurnStore
	Prompts PromptResolver
	LLM     llm.CompletionClient
	Audit   extensions.AuditLogger
	Metrics *observability.StreamingMetrics
	Logger  *slog.Logger
}

// Relay runs chat turns.
type Relay struct {
	store   TurnStore
	prompts PromptResolver
	llm     llm.CompletionClient
	audit   extensions.AuditLogger
	metrics *observability.StreamingMetrics
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex // guards draining and active.Add
	draining bool
	active   sync.WaitGroup
}

// New creates a Relay.
func New(deps Dependencies, cfg Config) *Relay {
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Relay{
		store:   deps.Store,
		prompts: deps.Prompts,
		llm:     deps.LLM,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg,
	}
}

// Begin prepares one exchange.
//
// # Description
//
// Validates req, writes the user turn and builds the upstream
// conversation: system instruction, the caller's earlier turns of the
// thread (oldest first, capped at MaxHistoryTurns) and the new content.
//
// # Outputs
//
//   - *Stream: ready to Run.
//   - error: wraps ErrInvalidRequest, ErrUnauthenticated or
//     ErrPersistUserTurn. No turn is written on ErrInvalidRequest.
func (r *Relay) Begin(ctx context.Context, caller *extensions.AuthInfo, req datatypes.ChatRequest) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "relay.Begin")
	defer span.End()

	if caller == nil || caller.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	domain := req.Domain
	sub := req.SubFeatureID()
	span.SetAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("domain", string(domain)),
		attribute.String("sub_feature", sub),
	)

	userTurn, err := r.store.AppendTurn(ctx, datatypes.Turn{
		ThreadID:     req.ThreadID,
		Domain:       domain,
		Role:         datatypes.TurnRoleUser,
		Content:      req.Content,
		SubFeatureID: sub,
		Metadata:     turnMetadata(req),
		UserID:       caller.UserID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist user turn")
		return nil, fmt.Errorf("%w: %w", ErrPersistUserTurn, err)
	}

	resolution := r.prompts.Resolve(ctx, domain, sub)

	history, err := r.history(ctx, req.ThreadID, caller.UserID, userTurn.ID)
	if err != nil {
		// The user turn is already stored; answer without history rather
		// than failing the exchange.
		r.logger.Warn("failed to load thread history", "threadId", req.ThreadID, "error", err)
		history = nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: resolution.Prompt})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Content})

	r.logger.Debug("chat turn accepted",
		"threadId", req.ThreadID,
		"domain", domain,
		"sub_feature", sub,
		"prompt_origin", resolution.Origin,
		"history_turns", len(history),
	)

	return &Stream{
		relay:    r,
		caller:   caller,
		userTurn: userTurn,
		messages: messages,
	}, nil
}

func (r *Relay) history(ctx context.Context, threadID, userID string, currentID uint64) ([]llm.Message, error) {
	turns, err := r.store.ListTurns(ctx, threadID)
	if err != nil {
		return nil, err
	}
	owned := lo.Filter(turns, func(t datatypes.Turn, _ int) bool {
		return t.UserID == userID && t.ID != currentID
	})
	if n := r.cfg.MaxHistoryTurns; n > 0 && len(owned) > n {
		owned = owned[len(owned)-n:]
	}
	return lo.Map(owned, func(t datatypes.Turn, _ int) llm.Message {
		role := llm.RoleUser
		if t.Role == datatypes.TurnRoleAssistant {
			role = llm.RoleAssistant
		}
		return llm.Message{Role: role, Content: t.Content}
	}), nil
}

func turnMetadata(req datatypes.ChatRequest) *datatypes.TurnMetadata {
	if req.PracticeArea == "" && req.FocusArea == "" {
		return nil
	}
	return &datatypes.TurnMetadata{PracticeAreaID: req.PracticeArea, FocusAreaID: req.FocusArea}
}

// =============================================================================
// Stream
// =============================================================================

// Outcome is the final state of a stream.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes a finished stream.
type Result struct {
	Outcome Outcome
	// AssistantTurn is set on success.
	AssistantTurn *datatypes.Turn
	ContentHash   string
	Fragments     int
	Err           error
}

// Stream is one prepared exchange.
type Stream struct {
	relay    *Relay
	caller   *extensions.AuthInfo
	userTurn datatypes.Turn
	messages []llm.Message

	closed    atomic.Bool
	fragments int
	started   time.Time
}

// UserTurn returns the stored user turn.
func (s *Stream) UserTurn() datatypes.Turn { return s.userTurn }

// Messages returns the conversation sent upstream.
func (s *Stream) Messages() []llm.Message { return s.messages }

// Run streams the completion into sink.
//
// # Description
//
// Fragments are written to sink in arrival order. When the upstream
// finishes, the concatenated text is stored as one assistant turn and
// sink.Done is called with its id and SHA-256. Upstream failure, idle
// timeout and buffer overflow call sink.Error instead and store nothing.
// When ctx is cancelled (client gone) the upstream is cancelled and no
// terminal event is attempted.
//
// Nothing is written to sink after the terminal event.
func (s *Stream) Run(ctx context.Context, sink Sink) Result {
	r := s.relay
	if !r.track() {
		r.metrics.RecordError(observability.ErrorCodeInternal)
		s.closed.Store(true)
		_ = sink.Error(msgShuttingDown)
		return Result{Outcome: OutcomeFailed, Err: ErrShuttingDown}
	}
	defer r.active.Done()

	start := time.Now()
	s.started = start
	ctx, span := tracer.Start(ctx, "relay.Run")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", s.userTurn.ThreadID))

	r.metrics.StreamStarted()
	defer r.metrics.StreamEnded()

	res := s.run(ctx, sink)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("fragments", res.Fragments),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}

	status := map[Outcome]string{
		OutcomeSuccess:   "success",
		OutcomeFailed:    "error",
		OutcomeCancelled: "cancelled",
	}[res.Outcome]
	r.metrics.RecordRequest(status)
	r.metrics.RecordStreamDuration(status, time.Since(start).Seconds())
	s.audit(ctx, res)

	logAttrs := []any{
		"threadId", s.userTurn.ThreadID,
		"outcome", res.Outcome,
		"fragments", res.Fragments,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	switch res.Outcome {
	case OutcomeSuccess:
		r.logger.Info("chat stream completed", logAttrs...)
	case OutcomeCancelled:
		r.logger.Info("chat stream cancelled by client", logAttrs...)
	default:
		r.logger.Error("chat stream failed", append(logAttrs, "error", res.Err)...)
	}
	return res
}

func (s *Stream) run(ctx context.Context, sink Sink) Result {
	r := s.relay

	buf, err := NewTurnBuffer(r.cfg.InsecureMemory)
	if err != nil {
		r.metrics.RecordError(observability.ErrorCodeInternal)
		s.closed.Store(true)
		_ = sink.Error(msgGenerateFailed)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	defer buf.Destroy()

	upstreamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := s.startIdleWatchdog(upstreamCtx, cancel)
	defer idle.Stop()

	stopHeartbeat := s.startHeartbeat(upstreamCtx, sink)

	var sinkErr error
	upstreamErr := r.llm.ChatStream(upstreamCtx, s.messages, r.cfg.Params, func(fragment string) error {
		if s.closed.Load() {
			return errStreamClosed
		}
		if fragment == "" {
			return nil
		}
		// The watchdog measures upstream silence only; pacing time in emit
		// does not count.
		idle.Stop()
		if err := buf.Write(fragment); err != nil {
			cancel(err)
			return err
		}
		if s.fragments == 0 {
			r.metrics.RecordTimeToFirstToken(string(s.userTurn.Domain), time.Since(s.started).Seconds())
		}
		s.fragments++
		if err := s.emit(upstreamCtx, sink, fragment); err != nil {
			sinkErr = err
			cancel(err)
			return err
		}
		if r.cfg.IdleTimeout > 0 {
			idle.Reset(r.cfg.IdleTimeout)
		}
		return nil
	})
	s.closed.Store(true)
	stopHeartbeat()

	res := Result{Fragments: s.fragments}

	if sinkErr == nil && errors.Is(context.Cause(ctx), ErrShuttingDown) {
		// The client is still there; tell it why the answer stopped.
		r.metrics.RecordError(observability.ErrorCodeInternal)
		_ = sink.Error(msgShuttingDown)
		res.Outcome = OutcomeFailed
		res.Err = ErrShuttingDown
		return res
	}

	if ctx.Err() != nil || sinkErr != nil {
		r.metrics.RecordClientDisconnect()
		r.metrics.RecordError(observability.ErrorCodeClientDisconnect)
		res.Outcome = OutcomeCancelled
		res.Err = errors.Join(ctx.Err(), sinkErr)
		return res
	}

	if upstreamErr == nil {
		// An upstream that returns cleanly after the watchdog fired still
		// counts as a timeout.
		upstreamErr = context.Cause(upstreamCtx)
	}
	if upstreamErr != nil {
		cause := context.Cause(upstreamCtx)
		msg := msgGenerateFailed
		code := observability.ErrorCodeLLMError
		switch {
		case errors.Is(cause, ErrIdleTimeout):
			msg, code = msgIdleTimeout, observability.ErrorCodeTimeout
			upstreamErr = ErrIdleTimeout
		case errors.Is(cause, ErrBufferOverflow), errors.Is(upstreamErr, ErrBufferOverflow):
			msg, code = msgTooLong, observability.ErrorCodeOverflow
			upstreamErr = ErrBufferOverflow
		}
		r.metrics.RecordError(code)
		_ = sink.Error(msg)
		res.Outcome = OutcomeFailed
		res.Err = upstreamErr
		return res
	}

	text, contentHash, err := buf.Finalize()
	if err != nil {
		r.metrics.RecordError(observability.ErrorCodeInternal)
		_ = sink.Error(msgGenerateFailed)
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}

	meta := &datatypes.TurnMetadata{ContentHash: contentHash}
	if um := s.userTurn.Metadata; um != nil {
		meta.PracticeAreaID = um.PracticeAreaID
		meta.FocusAreaID = um.FocusAreaID
	}
	assistant, err := r.store.AppendTurn(ctx, datatypes.Turn{
		ThreadID:     s.userTurn.ThreadID,
		Domain:       s.userTurn.Domain,
		Role:         datatypes.TurnRoleAssistant,
		Content:      text,
		SubFeatureID: s.userTurn.SubFeatureID,
		Metadata:     meta,
		UserID:       s.userTurn.UserID,
	})
	if err != nil {
		r.metrics.RecordError(observability.ErrorCodeInternal)
		_ = sink.Error(msgSaveFailed)
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("persist assistant turn: %w", err)
		return res
	}

	res.Outcome = OutcomeSuccess
	res.AssistantTurn = &assistant
	res.ContentHash = contentHash
	if err := sink.Done(assistant.ID, contentHash); err != nil {
		// The turn is stored; the client just missed the terminal event.
		r.logger.Warn("failed to write done event", "threadId", s.userTurn.ThreadID, "error", err)
	}
	return res
}

// emit writes one fragment, split into word-sized pieces when pacing is on.
func (s *Stream) emit(ctx context.Context, sink Sink, fragment string) error {
	delay := s.relay.cfg.PacingDelay
	if delay <= 0 {
		return sink.Content(fragment)
	}
	pieces := strings.SplitAfter(fragment, " ")
	for i, p := range pieces {
		if p == "" {
			continue
		}
		if err := sink.Content(p); err != nil {
			return err
		}
		if i == len(pieces)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(delay):
		}
	}
	return nil
}

// startIdleWatchdog cancels the upstream with ErrIdleTimeout when no
// fragment arrives for IdleTimeout.
func (s *Stream) startIdleWatchdog(ctx context.Context, cancel context.CancelCauseFunc) *time.Timer {
	d := s.relay.cfg.IdleTimeout
	if d <= 0 {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	return time.AfterFunc(d, func() {
		if ctx.Err() == nil {
			cancel(ErrIdleTimeout)
		}
	})
}

// startHeartbeat sends keepalive comments until the returned stop
// function is called. stop waits for the heartbeat goroutine to exit.
func (s *Stream) startHeartbeat(ctx context.Context, sink Sink) (stop func()) {
	interval := s.relay.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sink.KeepAlive(); err != nil {
					return
				}
				s.relay.metrics.RecordKeepAlive()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func (s *Stream) audit(ctx context.Context, res Result) {
	meta := map[string]any{
		"thread_id":    s.userTurn.ThreadID,
		"domain":       string(s.userTurn.Domain),
		"fragments":    res.Fragments,
		"user_turn_id": strconv.FormatUint(s.userTurn.ID, 10),
	}
	resourceID := s.userTurn.ThreadID
	if res.AssistantTurn != nil {
		meta["content_hash"] = res.ContentHash
		resourceID = strconv.FormatUint(res.AssistantTurn.ID, 10)
	}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
	}
	event := extensions.AuditEvent{
		EventType:    "chat.stream",
		UserID:       s.caller.UserID,
		Action:       "stream",
		ResourceType: "turn",
		ResourceID:   resourceID,
		Outcome:      string(res.Outcome),
		Metadata:     meta,
	}
	if err := s.relay.audit.Log(context.WithoutCancel(ctx), event); err != nil {
		s.relay.logger.Warn("audit log failed", "error", err)
	}
}

// track registers a stream unless the relay is draining.
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.active.Add(1)
	return true
}

// Drain refuses new streams and waits for running ones to finish. It
// returns ctx's error if they are still running when ctx is done.
func (r *Relay) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("streams still running: %w", ctx.Err())
	}
}
