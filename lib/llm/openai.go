// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is an OpenAI-compatible chat-completions client. It
// implements both [Provider] (for the turn pipeline) and [Forwarder]
// (for device-proxied raw bodies).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1" or
	// any compatible gateway.
	BaseURL string

	// APIKey is sent as a bearer token. Empty sends no
	// Authorization header (local gateways).
	APIKey string

	// HTTPClient is used for all requests. Nil uses
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewClient creates an OpenAI-compatible client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// Complete implements [Provider].
func (c *Client) Complete(ctx context.Context, request Request) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(request))
	if err != nil {
		return nil, fmt.Errorf("llm: encoding request: %w", err)
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var wire chatResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("llm: parsing response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm: response has no choices")
	}

	choice := wire.Choices[0]
	response := &Response{
		Text:  choice.Message.Content,
		Model: wire.Model,
		Usage: Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case "tool_calls":
		response.StopReason = StopToolCalls
	case "length":
		response.StopReason = StopMaxTokens
	default:
		response.StopReason = StopEnd
	}
	return response, nil
}

// Forward implements [Forwarder]: the body goes to the
// chat-completions endpoint verbatim, with only this client's
// credentials attached. Provider errors come back as bodies, not Go
// errors, so the device sees what the provider said.
func (c *Client) Forward(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	raw, err := c.post(ctx, body)
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return json.RawMessage(providerErr.Body), nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	url := c.baseURL + "/chat/completions"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: reading response: %w", err)
	}
	if httpResponse.StatusCode/100 != 2 {
		return nil, &ProviderError{StatusCode: httpResponse.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func (c *Client) buildRequest(request Request) chatRequest {
	wire := chatRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
	}

	if request.System != "" {
		wire.Messages = append(wire.Messages, chatMessage{
			Role:    "system",
			Content: request.System,
		})
	}

	for _, message := range request.Messages {
		entry := chatMessage{
			Role:       string(message.Role),
			Content:    message.Content,
			ToolCallID: message.ToolCallID,
		}
		for _, call := range message.ToolCalls {
			entry.ToolCalls = append(entry.ToolCalls, chatToolCall{
				ID:   call.ID,
				Type: "function",
				Function: chatToolFunction{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		wire.Messages = append(wire.Messages, entry)
	}

	for _, tool := range request.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return wire
}

// Wire types for the OpenAI chat-completions schema.

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []chatTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

// chatToolFunction carries Arguments as a string: on the OpenAI wire
// the argument object arrives JSON-encoded inside a JSON string, not
// as a nested object.
type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string             `json:"type"`
	Function chatToolDefinition `json:"function"`
}

type chatToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
