package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Response actions. Warn and modify verdicts still allow the call.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// Host permission decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// HookSpecificOutput is the documented host response block.
type HookSpecificOutput struct {
	HookEventName            string          `json:"hookEventName"`
	PermissionDecision       string          `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string          `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             json.RawMessage `json:"updatedInput,omitempty"`
	AdditionalContext        string          `json:"additionalContext,omitempty"`
}

// Response is written to stdout once per event. The top-level fields serve
// the legacy shape; HookSpecificOutput serves the documented one.
type Response struct {
	Action              string              `json:"action"`
	Reason              string              `json:"reason,omitempty"`
	Suggestion          string              `json:"suggestion,omitempty"`
	RewrittenParameters json.RawMessage     `json:"rewritten_parameters,omitempty"`
	Warnings            []string            `json:"warnings,omitempty"`
	HookSpecificOutput  *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// Blocked reports whether the response stops the tool call.
func (r *Response) Blocked() bool { return r.Action == ActionBlock }

// Allow builds an allow response. rewritten may be nil.
func Allow(kind EventKind, rewritten json.RawMessage, warnings []string) *Response {
	r := &Response{
		Action:              ActionAllow,
		RewrittenParameters: rewritten,
		Warnings:            warnings,
		HookSpecificOutput:  &HookSpecificOutput{HookEventName: kind.HookEventName()},
	}
	if len(warnings) > 0 {
		r.Reason = strings.Join(warnings, "; ")
	}
	if kind == EventPre {
		r.HookSpecificOutput.PermissionDecision = DecisionAllow
		r.HookSpecificOutput.PermissionDecisionReason = r.Reason
		r.HookSpecificOutput.UpdatedInput = rewritten
	} else if r.Reason != "" {
		r.HookSpecificOutput.AdditionalContext = r.Reason
	}
	return r
}

// Block builds a block response.
func Block(kind EventKind, reason, suggestion string) *Response {
	r := &Response{
		Action:             ActionBlock,
		Reason:             reason,
		Suggestion:         suggestion,
		HookSpecificOutput: &HookSpecificOutput{HookEventName: kind.HookEventName()},
	}
	if kind == EventPre {
		r.HookSpecificOutput.PermissionDecision = DecisionDeny
		r.HookSpecificOutput.PermissionDecisionReason = r.Message()
	}
	return r
}

// Message is the reason with its suggestion appended, as shown to the model.
func (r *Response) Message() string {
	if r.Suggestion == "" {
		return r.Reason
	}
	if r.Reason == "" {
		return r.Suggestion
	}
	return fmt.Sprintf("%s (suggestion: %s)", r.Reason, r.Suggestion)
}

// Write encodes r as one JSON line.
func (r *Response) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}
