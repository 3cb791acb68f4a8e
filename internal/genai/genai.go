// Package genai provides the OpenAI chat client used by the conversation driver.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/spf13/afero"
)

// Default generation settings
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.3
	DefaultMaxCompletionTokens = 1024
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK completion service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (c completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// ClientInterface is what the conversation driver needs from a model client.
type ClientInterface interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// FunctionCall is the function part of a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResponse carries the assistant text and any requested tool calls.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	DebugMode           bool
	StateDir            string   // debug logs are written to <StateDir>/debug
	Fs                  afero.Fs // filesystem for debug logs; defaults to the OS
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps the completion length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugMode records every request and response as JSON under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// WithFs sets the filesystem debug logs are written to.
func WithFs(fs afero.Fs) Option {
	return func(o *Opts) { o.Fs = fs }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	debugMode           bool
	stateDir            string
	fs                  afero.Fs
}

// NewClient initializes a GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		Fs:                  afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI.NewClient: API key not set")
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "baseURL", cfg.BaseURL, "debug", cfg.DebugMode)

	return &Client{
		chat:                completionsService{svc: cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
		fs:                  cfg.Fs,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		p.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	return p
}

func (c *Client) create(ctx context.Context, method string, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI."+method+": chat completion failed", "error", err, "model", c.model)
		return openai.ChatCompletion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog(method, params, resp)
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI."+method+": no choices returned", "model", c.model)
		return openai.ChatCompletion{}, ErrNoChoicesReturned
	}
	return resp, nil
}

// GeneratePromptWithContext answers a single system and user prompt pair.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}

// GenerateWithMessages answers a full message list without tools.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.create(ctx, "GenerateWithMessages", c.params(messages))
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools answers a message list with tools available and returns
// the requested tool calls alongside any assistant text.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(messages)
	params.Tools = tools
	resp, err := c.create(ctx, "GenerateWithTools", params)
	if err != nil {
		return nil, err
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: response received", "contentLength", len(out.Content), "toolCalls", len(out.ToolCalls))
	return out, nil
}

// writeDebugLog stores one request/response pair. Failures are only logged.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	fs := c.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	debugDir := filepath.Join(c.stateDir, "debug")
	if err := fs.MkdirAll(debugDir, 0o755); err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to create debug directory", "error", err, "dir", debugDir)
		return
	}

	now := time.Now().UTC()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to encode debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := afero.WriteFile(fs, filepath.Join(debugDir, name), data, 0o644); err != nil {
		slog.Warn("GenAI.writeDebugLog: failed to write debug entry", "error", err)
	}
}
