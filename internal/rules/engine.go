package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Engine defaults.
const (
	DefaultBudget            = 4 * time.Millisecond
	DefaultSlowRuleThreshold = time.Millisecond
	DefaultCacheSize         = 256
)

// Engine runs rules in priority order and merges their verdicts.
type Engine struct {
	rules    []Rule
	disabled map[string]bool
	budget   time.Duration
	slow     time.Duration
	cache    *verdictCache
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBudget sets the per-call evaluation budget.
func WithBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

// WithSlowRuleThreshold sets the duration above which a rule is logged as slow.
func WithSlowRuleThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.slow = d
		}
	}
}

// WithCacheSize bounds the verdict cache; 0 disables it.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cache = newVerdictCache(n) }
}

// WithDisabled turns off rules by ID. Rules that are not disableable ignore it.
func WithDisabled(ids []string) Option {
	return func(e *Engine) {
		for _, id := range ids {
			e.disabled[strings.TrimSpace(id)] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine returns an engine over rules, sorted by ascending priority.
// Rules with equal priority keep their given order.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		disabled: map[string]bool{},
		budget:   DefaultBudget,
		slow:     DefaultSlowRuleThreshold,
		cache:    newVerdictCache(DefaultCacheSize),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = append([]Rule(nil), rules...)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Meta().Priority < e.rules[j].Meta().Priority
	})
	return e
}

// Rules describes the configured rules in evaluation order.
func (e *Engine) Rules() []Meta {
	out := make([]Meta, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Meta())
	}
	return out
}

// Enabled reports whether the rule with id will be evaluated.
func (e *Engine) Enabled(m Meta) bool {
	return !(m.Disableable && e.disabled[m.ID])
}

// Evaluate runs the rules against ctx.
func (e *Engine) Evaluate(ctx *Context) Verdict {
	key := fingerprint(ctx)
	if v, ok := e.cache.get(ctx.WorkspaceRoot, key); ok {
		return v
	}

	start := time.Now()
	deadline := e.budget - e.budget/4
	merged := Allow()
	var reasons []string
	cur := ctx

	for _, r := range e.rules {
		m := r.Meta()
		if !e.Enabled(m) {
			continue
		}
		if m.Complex && time.Since(start) >= deadline {
			merged.Skipped = append(merged.Skipped, m.ID)
			continue
		}

		ruleStart := time.Now()
		v := e.run(r, cur)
		if took := time.Since(ruleStart); took > e.slow {
			e.logger.Warn("slow security rule",
				zap.String("rule", m.ID),
				zap.Duration("elapsed", took),
				zap.Duration("threshold", e.slow),
			)
		}

		switch v.Action {
		case ActionBlock:
			v.RuleID = m.ID
			v.Warnings = append(merged.Warnings, v.Warnings...)
			e.logger.Info("security rule blocked call",
				zap.String("rule", m.ID),
				zap.String("class", v.Class),
				zap.String("tool", ctx.ToolName),
			)
			e.cache.put(ctx.WorkspaceRoot, key, v)
			return v
		case ActionWarn:
			merged.Warnings = append(merged.Warnings, v.Reason)
			e.promote(&merged, m.ID, v)
			reasons = append(reasons, v.Reason)
		case ActionModify:
			if len(v.Rewritten) > 0 {
				merged.Rewritten = v.Rewritten
				cur = cur.withParams(v.Rewritten)
			}
			e.promote(&merged, m.ID, v)
			if v.Reason != "" {
				reasons = append(reasons, v.Reason)
			}
		}
	}

	if len(reasons) > 0 {
		merged.Reason = strings.Join(reasons, "; ")
	}
	if len(merged.Skipped) > 0 {
		e.logger.Warn("security budget exhausted, skipped rules",
			zap.Strings("skipped", merged.Skipped),
			zap.Duration("elapsed", time.Since(start)),
			zap.Duration("budget", e.budget),
		)
		return merged
	}
	e.cache.put(ctx.WorkspaceRoot, key, merged)
	return merged
}

// promote raises merged to v's action if it outranks the current one.
func (e *Engine) promote(merged *Verdict, id string, v Verdict) {
	if v.Action.rank() <= merged.Action.rank() {
		return
	}
	merged.Action = v.Action
	merged.RuleID = id
	merged.Class = v.Class
	if v.Suggestion != "" {
		merged.Suggestion = v.Suggestion
	}
}

// run evaluates one rule, turning a panic into a block.
func (e *Engine) run(r Rule, ctx *Context) (v Verdict) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("security rule panicked",
				zap.String("rule", r.Meta().ID),
				zap.String("panic", fmt.Sprint(p)),
			)
			v = Block("rule_error", fmt.Sprintf("rule %s failed; blocking to stay safe", r.Meta().ID), "")
		}
	}()
	return r.Evaluate(ctx)
}
