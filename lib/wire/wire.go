// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the JSON messages multiplexed over Tether's
// duplex connections: the device control channel and the tunnel client
// channel. Every frame is a JSON object tagged by a "type" field.
//
// Decoding is deliberately forgiving: an unrecognized type or a frame
// that does not parse yields ok=false from [Decode] and the caller
// drops it. Old servers and new clients (or the reverse) skew past
// each other instead of tearing down the connection.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message type tags.
const (
	TypeReady       = "ready"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeTask        = "task"
	TypeResult      = "result"
	TypeExec        = "exec_js"
	TypeExecResult  = "exec_result"
	TypeUserTask    = "user_task"
	TypeTaskDone    = "task_done"
	TypeLLMRequest  = "llm_request"
	TypeLLMResponse = "llm_response"
	TypeRegister    = "register"
	TypeRegistered  = "registered"
	TypeRequest     = "request"
	TypeResponse    = "response"
)

// Message is implemented by every wire frame.
type Message interface {
	// WireType returns the frame's "type" tag.
	WireType() string
}

// Ready is the device handshake. The peer is not live until this
// arrives; it carries the metadata recorded in the peer registry and
// the optional device-declared prompt and tool overrides.
type Ready struct {
	Type         string          `json:"type"`
	DeviceID     string          `json:"deviceId"`
	DeviceName   string          `json:"deviceName"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

func (Ready) WireType() string { return TypeReady }

// Ping is the server-initiated liveness probe.
type Ping struct {
	Type string `json:"type"`
}

func (Ping) WireType() string { return TypePing }

// NewPing returns a ready-to-send ping frame.
func NewPing() Ping { return Ping{Type: TypePing} }

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

func (Pong) WireType() string { return TypePong }

// NewPong returns a ready-to-send pong frame.
func NewPong() Pong { return Pong{Type: TypePong} }

// Task dispatches a natural-language task to a device. Correlated
// with [Result] by TaskID.
type Task struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
}

func (Task) WireType() string { return TypeTask }

// NewTask builds a task frame for the given correlation id.
func NewTask(taskID, description string) Task {
	return Task{Type: TypeTask, TaskID: taskID, Description: description}
}

// Result carries a device's outcome for a dispatched Task.
type Result struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

func (Result) WireType() string { return TypeResult }

// Exec asks a device to run code in its embedded runtime. Correlated
// with [ExecResult] by ExecID.
type Exec struct {
	Type   string `json:"type"`
	ExecID string `json:"execId"`
	Code   string `json:"code"`
}

func (Exec) WireType() string { return TypeExec }

// NewExec builds an exec frame for the given correlation id.
func NewExec(execID, code string) Exec {
	return Exec{Type: TypeExec, ExecID: execID, Code: code}
}

// ExecResult carries the outcome of an Exec: the result text, any
// screenshots captured during execution (base64 PNG), and an optional
// step-by-step execution log.
type ExecResult struct {
	Type         string   `json:"type"`
	ExecID       string   `json:"execId"`
	Result       string   `json:"result"`
	Screenshots  []string `json:"screenshots,omitempty"`
	ExecutionLog []string `json:"executionLog,omitempty"`
}

func (ExecResult) WireType() string { return TypeExecResult }

// UserTask is a device-initiated turn: the user spoke to the device,
// and the device forwards the text over its control channel.
type UserTask struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (UserTask) WireType() string { return TypeUserTask }

// TaskDone notifies the device that a turn it initiated has finished,
// carrying the generated text.
type TaskDone struct {
	Type   string `json:"type"`
	Result string `json:"result"`
}

func (TaskDone) WireType() string { return TypeTaskDone }

// NewTaskDone builds a task_done frame.
func NewTaskDone(result string) TaskDone {
	return TaskDone{Type: TypeTaskDone, Result: result}
}

// LLMRequest is a model call proxied from the device's on-board agent
// loop. Body is the raw OpenAI-compatible request; the server answers
// with an [LLMResponse] carrying the same RequestID.
type LLMRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Body      json.RawMessage `json:"body"`
}

func (LLMRequest) WireType() string { return TypeLLMRequest }

// LLMResponse answers an LLMRequest. Body is the raw provider
// response, or an {"error": ...} object on failure.
type LLMResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Body      json.RawMessage `json:"body"`
}

func (LLMResponse) WireType() string { return TypeLLMResponse }

// NewLLMResponse builds an llm_response frame.
func NewLLMResponse(requestID string, body json.RawMessage) LLMResponse {
	return LLMResponse{Type: TypeLLMResponse, RequestID: requestID, Body: body}
}

// Register claims a tunnel name. Acknowledged with [Registered]; this
// exchange does not go through the call table.
type Register struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (Register) WireType() string { return TypeRegister }

// Registered acknowledges a Register.
type Registered struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (Registered) WireType() string { return TypeRegistered }

// NewRegistered builds a registered frame.
func NewRegistered(name string) Registered {
	return Registered{Type: TypeRegistered, Name: name}
}

// Request is an HTTP request forwarded to the tunnel client. Path
// includes the query string. Headers are filtered before sending (see
// the tunnel package); Body is base64 or empty.
type Request struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

func (Request) WireType() string { return TypeRequest }

// Response is the tunnel client's answer to a Request, correlated by
// ID. Body is base64 or empty.
type Response struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

func (Response) WireType() string { return TypeResponse }

// Encode serializes a message to a JSON frame, filling in the type
// tag from the concrete type so callers cannot send a mistagged
// frame.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Ready:
		m.Type = TypeReady
		return json.Marshal(m)
	case Ping:
		m.Type = TypePing
		return json.Marshal(m)
	case Pong:
		m.Type = TypePong
		return json.Marshal(m)
	case Task:
		m.Type = TypeTask
		return json.Marshal(m)
	case Result:
		m.Type = TypeResult
		return json.Marshal(m)
	case Exec:
		m.Type = TypeExec
		return json.Marshal(m)
	case ExecResult:
		m.Type = TypeExecResult
		return json.Marshal(m)
	case UserTask:
		m.Type = TypeUserTask
		return json.Marshal(m)
	case TaskDone:
		m.Type = TypeTaskDone
		return json.Marshal(m)
	case LLMRequest:
		m.Type = TypeLLMRequest
		return json.Marshal(m)
	case LLMResponse:
		m.Type = TypeLLMResponse
		return json.Marshal(m)
	case Register:
		m.Type = TypeRegister
		return json.Marshal(m)
	case Registered:
		m.Type = TypeRegistered
		return json.Marshal(m)
	case Request:
		m.Type = TypeRequest
		return json.Marshal(m)
	case Response:
		m.Type = TypeResponse
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", msg)
	}
}

// Decode parses one frame. Returns ok=false for frames that should be
// dropped: not JSON, no type tag, an unknown type, or a payload that
// does not match its tag's schema.
func Decode(data []byte) (Message, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}

	switch probe.Type {
	case TypeReady:
		return decodeAs[Ready](data)
	case TypePing:
		return decodeAs[Ping](data)
	case TypePong:
		return decodeAs[Pong](data)
	case TypeTask:
		return decodeAs[Task](data)
	case TypeResult:
		return decodeAs[Result](data)
	case TypeExec:
		return decodeAs[Exec](data)
	case TypeExecResult:
		return decodeAs[ExecResult](data)
	case TypeUserTask:
		return decodeAs[UserTask](data)
	case TypeTaskDone:
		return decodeAs[TaskDone](data)
	case TypeLLMRequest:
		return decodeAs[LLMRequest](data)
	case TypeLLMResponse:
		return decodeAs[LLMResponse](data)
	case TypeRegister:
		return decodeAs[Register](data)
	case TypeRegistered:
		return decodeAs[Registered](data)
	case TypeRequest:
		return decodeAs[Request](data)
	case TypeResponse:
		return decodeAs[Response](data)
	default:
		return nil, false
	}
}

func decodeAs[T Message](data []byte) (Message, bool) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}
