package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("counsel.llm")

type OllamaClient struct {
	llm   *ollama.LLM
	model string
}

// NewOllamaClient builds a streaming client for an Ollama server.
//
// The server URL comes from cfg.BaseURL, then OLLAMA_BASE_URL. No request
// timeout is set on the HTTP client; streams are bounded by the caller's
// context.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("Ollama base URL not configured")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to llama3")
		model = "llama3"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	l, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
		ollama.WithHTTPClient(&http.Client{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{llm: l, model: model}, nil
}

// ChatStream implements CompletionClient
func (o *OllamaClient) ChatStream(ctx context.Context, messages []Message,
	params GenerationParams, onFragment StreamCallback) error {

	if len(messages) == 0 {
		return ErrEmptyConversation
	}

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(toLangchainRole(m.Role), m.Content))
	}

	fragments := 0
	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			fragments++
			return onFragment(string(chunk))
		}),
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}

	if _, err := o.llm.GenerateContent(ctx, content, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama chat stream failed", "model", o.model, "error", err)
		return fmt.Errorf("ollama chat stream failed: %w", err)
	}
	span.SetAttributes(attribute.Int("llm.fragments", fragments))
	return nil
}

func toLangchainRole(r Role) llms.ChatMessageType {
	switch r {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

var _ CompletionClient = (*OllamaClient)(nil)
