// Package claude implements the triage Classifier and Generator over the
// Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketwarden/internal/llm/claude")

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const (
	classifyMaxTokens = 512
	generateMaxTokens = 1024
)

// ErrEmptyResponse is returned when the model produced no text block.
var ErrEmptyResponse = errors.New("no text content in claude response")

// CallFunc observes every Messages call: operation is "classify" or
// "generate", token counts come from the response usage.
type CallFunc func(operation string, tokensIn, tokensOut int64, seconds float64, err error)

// Client talks to the Claude Messages API.
type Client struct {
	api    anthropic.Client
	model  string
	onCall CallFunc
}

type config struct {
	timeout    time.Duration
	maxRetries int
	baseURL    string
	onCall     CallFunc
}

// Option configures a Client.
type Option func(*config)

// WithTimeout bounds each API request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how many times the SDK retries transient failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithOnCall registers a per-call observer.
func WithOnCall(fn CallFunc) Option {
	return func(c *config) { c.onCall = fn }
}

// New creates a Client for the given API key and model.
func New(apiKey, model string, opts ...Option) *Client {
	cfg := config{timeout: 60 * time.Second, maxRetries: 2}
	for _, o := range opts {
		o(&cfg)
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Client{
		api:    anthropic.NewClient(reqOpts...),
		model:  model,
		onCall: cfg.onCall,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// complete sends one system+user exchange and returns the first text block.
func (c *Client) complete(ctx context.Context, operation, system, user string, maxTokens int64) (string, error) {
	ctx, span := tracer.Start(ctx, "claude."+operation, trace.WithAttributes(
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", c.model),
		attribute.Int64("gen_ai.request.max_tokens", maxTokens),
	))
	defer span.End()

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	elapsed := time.Since(start).Seconds()

	var in, out int64
	if msg != nil {
		in, out = msg.Usage.InputTokens, msg.Usage.OutputTokens
		span.SetAttributes(
			attribute.Int64("gen_ai.usage.input_tokens", in),
			attribute.Int64("gen_ai.usage.output_tokens", out),
			attribute.String("gen_ai.response.finish_reason", string(msg.StopReason)),
		)
	}

	text := ""
	if err == nil {
		text, err = firstText(msg)
	}
	if c.onCall != nil {
		c.onCall(operation, in, out, elapsed, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("claude %s: %w", operation, err)
	}
	return text, nil
}

func firstText(msg *anthropic.Message) (string, error) {
	for _, block := range msg.Content {
		if block.Type == "text" {
			if t := strings.TrimSpace(block.Text); t != "" {
				return t, nil
			}
		}
	}
	return "", ErrEmptyResponse
}
