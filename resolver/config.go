package resolver

import (
	"fmt"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Policy names accepted in configuration.
const (
	PolicyLastWriteWins = "last-write-wins"
	PolicyServerWins    = "server-wins"
	PolicyClientWins    = "client-wins"
	PolicyFieldMerge    = "field-merge"
	PolicyUser          = "user"
)

// ParsePolicy maps a configured policy name to a resolver. An empty name is
// the default policy.
func ParsePolicy(name string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyLastWriteWins, "lww":
		return LastWriteWins{}, nil
	case PolicyServerWins:
		return ServerWins{}, nil
	case PolicyClientWins:
		return ClientWins{}, nil
	case PolicyFieldMerge:
		return FieldMerge{}, nil
	case PolicyUser, "ask-user":
		return AskUserPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

// RuleConfig selects a policy for conflicts matching EntityType and Kind.
// Empty selectors match anything.
type RuleConfig struct {
	EntityType string `yaml:"entity_type" toml:"entity_type" json:"entity_type"`
	Kind       string `yaml:"kind" toml:"kind" json:"kind"`
	Policy     string `yaml:"policy" toml:"policy" json:"policy"`
}

// FromConfig builds a resolver from a default policy and per-entity rules.
func FromConfig(defaultPolicy string, rules []RuleConfig) (Resolver, error) {
	fallback, err := ParsePolicy(defaultPolicy)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return fallback, nil
	}
	opts := []Option{WithFallback(fallback)}
	for i, rc := range rules {
		r, err := ParsePolicy(rc.Policy)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		match := Spec(func(Conflict) bool { return true })
		name := "any"
		if rc.EntityType != "" {
			match = And(match, EntityTypeIs(rc.EntityType))
			name = rc.EntityType
		}
		if rc.Kind != "" {
			match = And(match, KindIs(model.Kind(rc.Kind)))
			name += "/" + rc.Kind
		}
		opts = append(opts, WithRule(name, match, r))
	}
	return NewDynamic(opts...)
}
