// Package genai provides the LLM port used for intent classification,
// goal-kind classification and structured parameter extraction, backed by
// the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/neurospicy/fibi/internal/models"
)

// Default call bounds. All LLM calls are the dominant latency source; they
// are bounded so one slow call cannot stall a friendship's turn forever.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
)

// ClientInterface is the contract consumed by interaction and routines.
// Generate returns free-form text; GenerateJSON constrains the model to a
// JSON object response. Parse failures of the returned JSON are the
// caller's concern and are classified as models.ErrMalformedResponse,
// which is permanent for the turn; callers must not retry it.
type ClientInterface interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client  openai.Client
	model   openai.ChatModel
	timeout time.Duration
	retries int
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the default chat model.
func WithModel(model openai.ChatModel) Option {
	return func(c *Client) { c.model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient initializes a GenAI client using the OPENAI_API_KEY environment
// variable.
func NewClient(opts ...Option) (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return NewClientWithKey(apiKey, opts...), nil
}

// NewClientWithKey initializes a GenAI client with an explicit API key.
func NewClientWithKey(apiKey string, opts ...Option) *Client {
	c := &Client{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   openai.ChatModelGPT4oMini,
		timeout: DefaultTimeout,
		retries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	slog.Debug("GenAI client created", "model", c.model, "timeout", c.timeout)
	return c
}

// Generate returns the model's text completion for a system+user prompt.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, false)
}

// GenerateJSON returns a completion constrained to a JSON object.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, systemPrompt, userPrompt, true)
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string, jsonMode bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			slog.Debug("GenAI retrying call", "attempt", attempt)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.client.Chat.Completions.New(callCtx, params)
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("no choices returned")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return "", fmt.Errorf("chat completion failed: %w", lastErr)
}

// isTransient reports whether an error is a transport failure worth a
// retry. Malformed output is not an error at this layer; it surfaces when
// the caller parses the response.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503")
}

// ParseJSON decodes an LLM JSON response into out, stripping markdown code
// fences the model sometimes wraps around the payload. A decode failure is
// reported as models.ErrMalformedResponse.
func ParseJSON(response string, out any) error {
	cleaned := strings.TrimSpace(response)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedResponse, err)
	}
	return nil
}
