// Package protocol implements the hook wire format: decoding tool-call
// events from the host agent and encoding verdicts back to it.
//
// Two payload shapes are accepted and normalised into one ToolCallEvent:
//
//	documented  {"hook_event_name":"PreToolUse","tool_name":..,"tool_input":{..},
//	             "tool_response":..,"session_id":..,"cwd":..}
//	legacy      {"event_kind":"pre_tool_use","tool_name":..,"parameters":{..},
//	             "execution_result":..,"session_id":..,"working_directory":..}
//
// Keys may be mixed; documented keys win. Every payload is size- and
// depth-limited and validated against a JSON schema before any field is
// read.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/boshu2/warden/internal/errs"
)

// Input limits.
const (
	MaxInputSize = 10 << 20
	MaxJSONDepth = 64
)

// Environment fallbacks for task identity and session.
const (
	EnvTaskID    = "WARDEN_TASK_ID"
	EnvTaskType  = "WARDEN_TASK_TYPE"
	EnvSessionID = "WARDEN_SESSION_ID"
)

// DefaultSessionID is used when neither payload nor environment names one.
const DefaultSessionID = "default"

// Sentinel errors for the protocol package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrTooLarge is returned for payloads over MaxInputSize.
	ErrTooLarge = errors.New("hook payload exceeds 10 MiB")

	// ErrTooDeep is returned for payloads nested deeper than MaxJSONDepth.
	ErrTooDeep = errors.New("hook payload nesting too deep")

	// ErrEmptyInput is returned when no payload was received.
	ErrEmptyInput = errors.New("empty hook payload")

	// ErrInvalidEvent is returned for payloads failing schema validation.
	ErrInvalidEvent = errors.New("invalid hook event")

	// ErrUnsupportedEvent is returned for events other than pre/post tool use.
	ErrUnsupportedEvent = errors.New("unsupported hook event")
)

// EventKind distinguishes the two interception points.
type EventKind string

const (
	EventPre  EventKind = "pre"
	EventPost EventKind = "post"
)

// HookEventName returns the host's name for the event kind.
func (k EventKind) HookEventName() string {
	if k == EventPost {
		return "PostToolUse"
	}
	return "PreToolUse"
}

// Shape records which payload layout an event arrived in.
type Shape string

const (
	ShapeDocumented Shape = "documented"
	ShapeLegacy     Shape = "legacy"
)

// ToolCallEvent is one normalised hook invocation. Params is always a JSON
// object; Result is nil unless the host sent an execution result.
type ToolCallEvent struct {
	Kind       EventKind         `json:"event_kind"`
	ToolName   string            `json:"tool_name"`
	Params     json.RawMessage   `json:"parameters"`
	SessionID  string            `json:"session_id"`
	WorkingDir string            `json:"working_directory,omitempty"`
	Result     json.RawMessage   `json:"execution_result,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	TaskType   string            `json:"task_type,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Shape      Shape             `json:"-"`
}

// Succeeded reports whether a post-event's execution result indicates
// success. Missing results count as success.
func (e *ToolCallEvent) Succeeded() bool {
	if len(e.Result) == 0 {
		return true
	}
	r := gjson.ParseBytes(e.Result)
	if !r.IsObject() {
		return true
	}
	for _, key := range []string{"is_error", "isError", "interrupted"} {
		if r.Get(key).Bool() {
			return false
		}
	}
	if v := r.Get("success"); v.Exists() && !v.Bool() {
		return false
	}
	if v := r.Get("exit_code"); v.Exists() && v.Int() != 0 {
		return false
	}
	if v := r.Get("error"); v.Exists() && v.Type != gjson.Null && v.String() != "" {
		return false
	}
	return true
}

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tool_name"],
  "anyOf": [
    {"required": ["hook_event_name"]},
    {"required": ["event_kind"]}
  ],
  "properties": {
    "hook_event_name": {"type": "string", "minLength": 1},
    "event_kind": {"type": "string", "minLength": 1},
    "tool_name": {"type": "string", "minLength": 1, "maxLength": 256},
    "tool_input": {"type": ["object", "null"]},
    "parameters": {"type": ["object", "null"]},
    "session_id": {"type": "string"},
    "cwd": {"type": "string"},
    "working_directory": {"type": "string"},
    "transcript_path": {"type": "string"},
    "task_id": {"type": "string"},
    "agent_id": {"type": "string"},
    "agent_type": {"type": "string"},
    "env": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var compiledEventSchema = mustCompileSchema(eventSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("hook-event.schema.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("hook-event.schema.json")
}

// parseKind maps every spelling the host has used onto an EventKind.
func parseKind(name string) (EventKind, bool) {
	n := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	switch n {
	case "pretooluse", "pre", "preexecution":
		return EventPre, true
	case "posttooluse", "post", "postexecution":
		return EventPost, true
	}
	return "", false
}

// Decode validates and normalises a raw hook payload. getenv supplies the
// task and session fallbacks; nil disables them. All failures are
// ProtocolErrors.
func Decode(data []byte, getenv func(string) string) (*ToolCallEvent, error) {
	ev, err := decode(data, getenv)
	if err != nil {
		return nil, errs.Protocol("decode", err)
	}
	return ev, nil
}

func decode(data []byte, getenv func(string) string) (*ToolCallEvent, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if len(data) > MaxInputSize {
		return nil, ErrTooLarge
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if err := checkDepth(data, MaxJSONDepth); err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := compiledEventSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	root := gjson.ParseBytes(data)
	ev := &ToolCallEvent{Shape: ShapeDocumented}

	kindName := root.Get("hook_event_name").String()
	if kindName == "" {
		kindName = root.Get("event_kind").String()
		ev.Shape = ShapeLegacy
	}
	kind, ok := parseKind(kindName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, kindName)
	}
	if !root.Get("tool_input").Exists() && root.Get("parameters").Exists() {
		ev.Shape = ShapeLegacy
	}
	ev.Kind = kind
	ev.ToolName = root.Get("tool_name").String()

	ev.Params = json.RawMessage("{}")
	if p := first(root, "tool_input", "parameters"); p.IsObject() {
		ev.Params = json.RawMessage(p.Raw)
	}
	if r := first(root, "tool_response", "execution_result"); r.Exists() && r.Type != gjson.Null {
		ev.Result = json.RawMessage(r.Raw)
	}

	ev.SessionID = firstString(root, "session_id")
	if ev.SessionID == "" {
		ev.SessionID = getenv(EnvSessionID)
	}
	if ev.SessionID == "" {
		ev.SessionID = DefaultSessionID
	}
	ev.WorkingDir = firstString(root, "cwd", "working_directory")
	ev.TaskID = firstString(root, "task_id", "agent_id")
	if ev.TaskID == "" {
		ev.TaskID = getenv(EnvTaskID)
	}
	ev.TaskType = firstString(root, "agent_type")
	if ev.TaskType == "" {
		ev.TaskType = getenv(EnvTaskType)
	}
	if env := root.Get("env"); env.IsObject() {
		ev.Env = make(map[string]string)
		env.ForEach(func(k, v gjson.Result) bool {
			ev.Env[k.String()] = v.String()
			return true
		})
	}
	return ev, nil
}

func first(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func firstString(root gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(root.Get(k).String()); v != "" {
			return v
		}
	}
	return ""
}

// checkDepth rejects documents nested deeper than max before they reach a
// recursive decoder.
func checkDepth(data []byte, max int) error {
	depth := 0
	inString, escaped := false, false
	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > max {
				return fmt.Errorf("%w: more than %d levels", ErrTooDeep, max)
			}
		case b == '}' || b == ']':
			if depth > 0 {
				depth--
			}
		}
	}
	return nil
}
