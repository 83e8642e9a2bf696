package rules

import (
	"go.uber.org/zap"

	"github.com/boshu2/warden/internal/config"
)

// Builtin returns the built-in rules.
func Builtin(maxTraversalDepth int, protectedExceptions []string) []Rule {
	return []Rule{
		DangerousCommandRule{},
		NewPathBoundaryRule(maxTraversalDepth),
		ProtectedFileRule{Exceptions: protectedExceptions},
	}
}

// FromConfig builds an engine with the built-in rules plus the rules in
// sec.RulesFile.
func FromConfig(sec config.SecurityConfig, logger *zap.Logger) (*Engine, error) {
	all := Builtin(sec.MaxTraversalDepth, sec.ProtectedExceptions)
	custom, err := LoadRuleFile(sec.RulesFile)
	if err != nil {
		return nil, err
	}
	all = append(all, custom...)

	return NewEngine(all,
		WithBudget(sec.Budget),
		WithSlowRuleThreshold(sec.SlowRuleThreshold),
		WithCacheSize(sec.CacheSize),
		WithDisabled(sec.DisabledRules),
		WithLogger(logger),
	), nil
}
