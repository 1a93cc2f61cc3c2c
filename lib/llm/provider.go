// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the model-call contract consumed by the session
// turn pipeline, and an OpenAI-compatible HTTP client implementing it.
//
// The turn pipeline only ever blocks on a complete response, so the
// contract is a single Complete call. Devices running their own
// on-board agent loop proxy raw request bodies through their control
// channel instead; [Forwarder] carries those verbatim, without the
// server reinterpreting the body.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider is the model backend used by the turn pipeline.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Response, error)
}

// Forwarder relays a raw OpenAI-compatible request body and returns
// the raw response body. Used for device-proxied model calls, where
// the device owns the request shape.
type Forwarder interface {
	Forward(ctx context.Context, body json.RawMessage) (json.RawMessage, error)
}

// Request is a model call in provider-neutral form.
type Request struct {
	// Model is the provider model identifier.
	Model string

	// System is the system prompt, possibly empty.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call this turn.
	Tools []ToolDefinition

	// MaxTokens caps the response length. Zero uses the provider
	// default.
	MaxTokens int
}

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation entry. Assistant messages may carry
// tool calls; tool messages carry the result for one call.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID is set on tool messages: the call being answered.
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	// ID correlates the call with its result message.
	ID string

	// Name is the tool to invoke.
	Name string

	// Arguments is the JSON argument object, as produced by the
	// model.
	Arguments json.RawMessage
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
}

// StopReason describes why the model stopped.
type StopReason string

const (
	StopEnd       StopReason = "end"
	StopToolCalls StopReason = "tool_calls"
	StopMaxTokens StopReason = "max_tokens"
)

// Response is a completed model call.
type Response struct {
	// Text is the generated assistant text, possibly empty when the
	// model only called tools.
	Text string

	// ToolCalls the model requested, in order. Empty on a final
	// answer.
	ToolCalls []ToolCall

	// StopReason says whether this is a final answer, a tool-call
	// round, or a truncation.
	StopReason StopReason

	// Model echoes the model that produced the response.
	Model string

	// Usage is the token accounting for this call.
	Usage Usage
}

// Usage is per-call token accounting, persisted by the turn
// pipeline's completion hook.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ProviderError is a non-2xx provider response. The turn pipeline
// surfaces it to the user; callers can branch on StatusCode.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether the provider refused for rate.
func (e *ProviderError) IsRateLimited() bool { return e.StatusCode == 429 }
