package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

// MinCustomPriority is the lowest priority a user-defined rule may take, so
// built-in rules always run first.
const MinCustomPriority = 100

// ErrInvalidRuleFile is returned for rule files that fail validation.
var ErrInvalidRuleFile = errors.New("invalid rule file")

const ruleFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "pattern", "action"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]*$"},
          "description": {"type": "string"},
          "priority": {"type": "integer", "minimum": 0},
          "tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "field": {"type": "string", "minLength": 1},
          "pattern": {"type": "string", "minLength": 1},
          "action": {"enum": ["block", "warn", "modify"]},
          "reason": {"type": "string"},
          "suggestion": {"type": "string"},
          "replace": {"type": "string"}
        }
      }
    }
  }
}`

// RuleSpec is one entry of a user rule file.
type RuleSpec struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Priority    int      `yaml:"priority" json:"priority,omitempty"`
	Tools       []string `yaml:"tools" json:"tools,omitempty"`
	// Field is a gjson path into the tool parameters. Empty means the
	// command for Bash and the file path parameters otherwise.
	Field      string `yaml:"field" json:"field,omitempty"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	Action     Action `yaml:"action" json:"action"`
	Reason     string `yaml:"reason" json:"reason,omitempty"`
	Suggestion string `yaml:"suggestion" json:"suggestion,omitempty"`
	// Replace is the regexp replacement applied to Field for modify rules.
	Replace string `yaml:"replace" json:"replace,omitempty"`
}

// RuleFile is the document loaded from security.rules_file.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

var compiledRuleSchema = mustCompileSchema(ruleFileSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("rules.schema.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("rules.schema.json")
}

// LoadRuleFile reads and validates a YAML rule file. A missing file yields
// no rules.
func LoadRuleFile(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRuleFile(data)
}

// ParseRuleFile validates YAML rule definitions and compiles them.
func ParseRuleFile(data []byte) ([]Rule, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}
	if raw == nil {
		return nil, nil
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}
	if err := compiledRuleSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}

	var file RuleFile
	if err := json.Unmarshal(asJSON, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleFile, err)
	}

	seen := map[string]bool{}
	out := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		if seen[spec.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRuleFile, spec.ID)
		}
		seen[spec.ID] = true
		r, err := NewUserDefinedRule(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UserDefinedRule matches a regular expression against one parameter.
type UserDefinedRule struct {
	spec RuleSpec
	re   *regexp.Regexp
}

// NewUserDefinedRule compiles spec. Patterns are case-insensitive.
func NewUserDefinedRule(spec RuleSpec) (*UserDefinedRule, error) {
	re, err := regexp.Compile("(?i)" + spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRuleFile, spec.ID, err)
	}
	if spec.Action == ActionModify && spec.Field == "" {
		return nil, fmt.Errorf("%w: rule %s: modify rules need a field", ErrInvalidRuleFile, spec.ID)
	}
	if spec.Priority < MinCustomPriority {
		spec.Priority = MinCustomPriority + spec.Priority
	}
	return &UserDefinedRule{spec: spec, re: re}, nil
}

func (r *UserDefinedRule) Meta() Meta {
	return Meta{
		ID:          r.spec.ID,
		Description: r.spec.Description,
		Priority:    r.spec.Priority,
		Disableable: true,
		Complex:     true,
	}
}

func (r *UserDefinedRule) appliesTo(tool string) bool {
	if len(r.spec.Tools) == 0 {
		return true
	}
	for _, t := range r.spec.Tools {
		if strings.EqualFold(t, tool) || t == "*" {
			return true
		}
	}
	return false
}

func (r *UserDefinedRule) values(ctx *Context) []string {
	if r.spec.Field != "" {
		v := gjson.GetBytes(ctx.Params, r.spec.Field)
		if !v.Exists() {
			return nil
		}
		return []string{v.String()}
	}
	if ctx.IsShell() {
		if cmd := ctx.Command(); cmd != "" {
			return []string{cmd}
		}
		return nil
	}
	return ctx.Paths()
}

func (r *UserDefinedRule) Evaluate(ctx *Context) Verdict {
	if !r.appliesTo(ctx.ToolName) {
		return Allow()
	}
	reason := r.spec.Reason
	if reason == "" {
		reason = "matched rule " + r.spec.ID
	}
	for _, val := range r.values(ctx) {
		if !r.re.MatchString(val) {
			continue
		}
		switch r.spec.Action {
		case ActionBlock:
			return Block("user_rule", reason, r.spec.Suggestion)
		case ActionWarn:
			return Warn("user_rule", reason, r.spec.Suggestion)
		case ActionModify:
			replaced := r.re.ReplaceAllString(val, r.spec.Replace)
			params, err := sjson.SetBytes(append([]byte(nil), ctx.Params...), r.spec.Field, replaced)
			if err != nil {
				return Block("user_rule", fmt.Sprintf("rule %s could not rewrite %s", r.spec.ID, r.spec.Field), "")
			}
			return Verdict{Action: ActionModify, Class: "user_rule", Reason: reason, Suggestion: r.spec.Suggestion, Rewritten: params}
		}
	}
	return Allow()
}
