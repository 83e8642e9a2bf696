package rules

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/boshu2/warden/internal/shell"
)

// Action is the outcome of a rule or of the whole engine.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionModify Action = "modify"
)

func (a Action) rank() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionModify:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// Verdict is returned by a rule and, merged, by the engine.
type Verdict struct {
	Action Action `json:"action"`
	// RuleID names the rule that produced the deciding verdict.
	RuleID string `json:"rule_id,omitempty"`
	// Class is the matched pattern class, e.g. "recursive_delete".
	Class      string `json:"class,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	// Rewritten holds replacement tool parameters for ActionModify.
	Rewritten json.RawMessage `json:"rewritten_parameters,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	// Skipped lists rules not evaluated because the budget ran out.
	Skipped []string `json:"skipped_rules,omitempty"`
}

// Allow is the zero-information allow verdict.
func Allow() Verdict { return Verdict{Action: ActionAllow} }

// Block returns a block verdict.
func Block(class, reason, suggestion string) Verdict {
	return Verdict{Action: ActionBlock, Class: class, Reason: reason, Suggestion: suggestion}
}

// Warn returns a warn verdict.
func Warn(class, reason, suggestion string) Verdict {
	return Verdict{Action: ActionWarn, Class: class, Reason: reason, Suggestion: suggestion}
}

// Blocked reports whether the verdict stops the call.
func (v Verdict) Blocked() bool { return v.Action == ActionBlock }

// Meta describes a rule to the engine.
type Meta struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	// Priority orders evaluation; 0 runs first.
	Priority int `json:"priority" yaml:"priority"`
	// Disableable rules may be turned off through configuration.
	Disableable bool `json:"disableable" yaml:"disableable"`
	// Complex rules are the first to be skipped when the budget runs low.
	Complex bool `json:"complex" yaml:"complex"`
}

// Rule is one check in the engine.
type Rule interface {
	Meta() Meta
	Evaluate(ctx *Context) Verdict
}

// PathParams are the tool parameter keys that carry file paths.
var PathParams = []string{"file_path", "notebook_path", "path"}

// Context is the input to a rule evaluation.
type Context struct {
	ToolName string
	// Params are the tool parameters as raw JSON.
	Params json.RawMessage
	// WorkspaceRoot bounds file access. Empty disables boundary checks
	// other than system-directory detection.
	WorkspaceRoot string
	// Env is the environment used for variable expansion in commands.
	Env map[string]string

	once     sync.Once
	analysis *shell.Analysis
}

// NewContext builds an evaluation context.
func NewContext(tool string, params json.RawMessage, root string, env map[string]string) *Context {
	return &Context{ToolName: tool, Params: params, WorkspaceRoot: root, Env: env}
}

// withParams returns a copy of c carrying rewritten parameters.
func (c *Context) withParams(params json.RawMessage) *Context {
	return NewContext(c.ToolName, params, c.WorkspaceRoot, c.Env)
}

// Param returns the string value at a gjson path in the parameters.
func (c *Context) Param(path string) string {
	return gjson.GetBytes(c.Params, path).String()
}

// Command returns the shell command of a Bash call, or "".
func (c *Context) Command() string {
	if !c.IsShell() {
		return ""
	}
	return c.Param("command")
}

// IsShell reports whether the call runs a shell command.
func (c *Context) IsShell() bool {
	return strings.EqualFold(c.ToolName, "Bash")
}

// Paths returns the non-empty file path parameters of the call.
func (c *Context) Paths() []string {
	var out []string
	for _, key := range PathParams {
		if v := gjson.GetBytes(c.Params, key); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			out = append(out, v.Str)
		}
	}
	return out
}

// Shell returns the parsed command line of a Bash call, or nil.
func (c *Context) Shell() *shell.Analysis {
	cmd := c.Command()
	if strings.TrimSpace(cmd) == "" {
		return nil
	}
	c.once.Do(func() { c.analysis = shell.Analyze(cmd, c.Env) })
	return c.analysis
}
