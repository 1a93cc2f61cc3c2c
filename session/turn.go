// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/tetherlabs/tether/lib/llm"
)

// historyLimit bounds how much persisted conversation is replayed
// into a model call.
const historyLimit = 40

// maxToolRounds bounds the model/tool loop within one turn.
const maxToolRounds = 8

// RunTurn drives one conversation turn: persist the trigger as a user
// message, resolve the agent configuration, run the model/tool loop,
// and persist the assistant's reply and usage. Returns the generated
// text.
func (a *Actor) RunTurn(ctx context.Context, trigger string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runTurnLocked(ctx, trigger)
}

func (a *Actor) runTurnLocked(ctx context.Context, trigger string) (string, error) {
	if a.UserID() == "" {
		return "", ErrNoIdentity
	}

	policy, err := a.resolvePolicyLocked(ctx)
	if err != nil {
		return "", err
	}

	st := a.host.store
	if _, err := st.AppendMessage(ctx, a.id, "user", trigger); err != nil {
		return "", err
	}

	count, err := st.MessageCount(ctx, a.id)
	if err != nil {
		return "", err
	}
	if count <= 1 {
		a.refreshPromptLocked()
	}

	history, err := st.Messages(ctx, a.id, historyLimit)
	if err != nil {
		return "", err
	}
	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case "assistant":
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	system := a.systemPrompt
	tools := a.tools
	model := a.host.model
	if policy.Mode == ModeCustom && policy.Config != nil {
		if policy.Config.SystemPrompt != "" {
			system = policy.Config.SystemPrompt
		}
		if len(policy.Config.Tools) > 0 {
			tools = policy.Config.Tools
		}
		if policy.Config.Model != "" {
			model = policy.Config.Model
		}
	}

	text, err := a.modelLoop(ctx, model, system, tools, messages)
	if err != nil {
		return "", err
	}

	if _, err := st.AppendMessage(ctx, a.id, "assistant", text); err != nil {
		return "", err
	}

	a.completeDeferred(text)
	return text, nil
}

func (a *Actor) modelLoop(ctx context.Context, model, system string, tools []llm.ToolDefinition, messages []llm.Message) (string, error) {
	for round := 0; round < maxToolRounds; round++ {
		response, err := a.host.provider.Complete(ctx, llm.Request{
			Model:     model,
			System:    system,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: a.host.maxTokens,
		})
		if err != nil {
			return "", err
		}

		if err := a.host.store.RecordUsage(ctx, a.id, response.Model,
			response.Usage.InputTokens, response.Usage.OutputTokens); err != nil {
			a.logger.Warn("recording usage", "error", err)
		}

		if len(response.ToolCalls) == 0 {
			return response.Text, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   response.Text,
			ToolCalls: response.ToolCalls,
		})
		for _, call := range response.ToolCalls {
			output, err := a.executeTool(ctx, call)
			if err != nil {
				a.logger.Warn("tool call failed", "tool", call.Name, "error", err)
				output = "error: " + err.Error()
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("session: model requested tools for %d rounds without answering", maxToolRounds)
}

// recordTurnError persists a best-effort marker of a failed turn so
// the failure is visible in the session history. Storage errors here
// are only logged; the original turn error is what the caller gets.
func (a *Actor) recordTurnError(turnErr error) {
	_, err := a.host.store.AppendMessage(context.Background(), a.id, "system",
		"turn failed: "+turnErr.Error())
	if err != nil {
		a.logger.Warn("recording turn failure", "error", err)
	}
}

// deferredSlot carries one externally-triggered turn's completion
// from the pipeline's completion hook back to the waiting dispatcher.
type deferredSlot struct {
	ch chan string
}

// DispatchExternal runs a turn on behalf of an external trigger — a
// device's user_task frame, a scheduled task firing, the dispatch-task
// endpoint — and returns the generated text once the turn's
// completion hook fires.
//
// There is a single slot: a second external trigger while one is
// outstanding overwrites it, and the earlier dispatcher is completed
// by whichever turn finishes first. If the turn fails, the slot is
// cleared and the error returned — the dispatcher never waits
// forever.
func (a *Actor) DispatchExternal(ctx context.Context, text string) (string, error) {
	slot := &deferredSlot{ch: make(chan string, 1)}
	a.deferredMu.Lock()
	if a.deferred != nil {
		a.logger.Warn("overwriting outstanding deferred task slot")
	}
	a.deferred = slot
	a.deferredMu.Unlock()

	a.mu.Lock()
	_, err := a.runTurnLocked(ctx, text)
	a.mu.Unlock()
	if err != nil {
		a.deferredMu.Lock()
		if a.deferred == slot {
			a.deferred = nil
		}
		a.deferredMu.Unlock()
		a.recordTurnError(err)
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-slot.ch:
		return result, nil
	}
}

// completeDeferred resolves the pending deferred slot, if any, with
// the finished turn's text.
func (a *Actor) completeDeferred(text string) {
	a.deferredMu.Lock()
	slot := a.deferred
	a.deferred = nil
	a.deferredMu.Unlock()
	if slot != nil {
		slot.ch <- text
	}
}
