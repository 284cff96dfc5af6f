package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "gpt-4.1-mini"
	defaultTemperature = 0.1
	defaultTimeout     = 30 * time.Second
)

var (
	// ErrDisabled is returned when no API key was configured.
	ErrDisabled = errors.New("ai: detection disabled")
	// ErrUnavailable wraps every failure to obtain a usable answer.
	ErrUnavailable = errors.New("ai: upstream unavailable")
)

// Config describes how the OpenAI client should be initialised.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client offers a thin wrapper around the OpenAI Chat Completions API.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// NewClient builds a Client. An empty API key yields ErrDisabled.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrDisabled
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	temp := cfg.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.HTTPClient = httpClient

	return &Client{
		api:         openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: temp,
	}, nil
}

// Model reports the chat model requests are sent to.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: call openai: %w", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrUnavailable)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "`")
	return strings.TrimSpace(content), nil
}
