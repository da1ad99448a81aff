package resolver

import (
	"fmt"

	"github.com/c0deZ3R0/go-offline-sync/model"
)

// Conflict is what rule matchers inspect.
type Conflict struct {
	Local  model.Action
	Server model.ServerState
}

// Spec is a predicate used to match conflicts to rules.
type Spec func(Conflict) bool

// And matches when both specs match.
func And(a, b Spec) Spec { return func(c Conflict) bool { return a != nil && b != nil && a(c) && b(c) } }

// Or matches when either spec matches.
func Or(a, b Spec) Spec { return func(c Conflict) bool { return (a != nil && a(c)) || (b != nil && b(c)) } }

// Not inverts a spec. A nil spec is treated as never matching.
func Not(a Spec) Spec { return func(c Conflict) bool { return a == nil || !a(c) } }

// EntityTypeIs matches conflicts on entities of type t.
func EntityTypeIs(t string) Spec {
	return func(c Conflict) bool { return c.Local.EntityType == t }
}

// KindIs matches conflicts raised by actions of kind k.
func KindIs(k model.Kind) Spec {
	return func(c Conflict) bool { return c.Local.Kind == k }
}

// ServerDeleted matches conflicts against a server tombstone.
func ServerDeleted() Spec {
	return func(c Conflict) bool { return c.Server.Deleted }
}

// Rule binds a matcher to a resolver. Rules are evaluated in insertion order
// with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver Resolver
}

// Hooks provides optional callbacks around resolution. Nil functions are no-ops.
type Hooks struct {
	OnRuleMatched func(c Conflict, rule Rule)
	OnFallback    func(c Conflict)
	OnResolved    func(c Conflict, out Outcome)
}

type dynamicOptions struct {
	rules    []Rule
	fallback Resolver
	hooks    Hooks
}

// Option configures a Dynamic resolver.
type Option func(*dynamicOptions)

// WithFallback sets the resolver used when no rule matches.
func WithFallback(r Resolver) Option { return func(o *dynamicOptions) { o.fallback = r } }

// WithRule appends a rule.
func WithRule(name string, matcher Spec, r Resolver) Option {
	return func(o *dynamicOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Resolver: r})
	}
}

// WithEntityTypeRule is a convenience helper for matching by entity type.
func WithEntityTypeRule(entityType string, r Resolver) Option {
	return WithRule("entity:"+entityType, EntityTypeIs(entityType), r)
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option { return func(o *dynamicOptions) { o.hooks = h } }

// Dynamic dispatches conflicts to resolvers through an ordered rule set.
type Dynamic struct {
	rules    []Rule
	fallback Resolver
	hooks    Hooks
}

var _ Resolver = (*Dynamic)(nil)

// NewDynamic validates and builds a Dynamic resolver. A fallback is required
// so that Resolve always produces an Outcome.
func NewDynamic(opts ...Option) (*Dynamic, error) {
	cfg := &dynamicOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.fallback == nil {
		return nil, fmt.Errorf("dynamic resolver requires a fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule %q has nil matcher at index %d", r.Name, i)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule %q has nil resolver at index %d", r.Name, i)
		}
	}
	return &Dynamic{rules: cfg.rules, fallback: cfg.fallback, hooks: cfg.hooks}, nil
}

func (d *Dynamic) Resolve(local model.Action, server model.ServerState) Outcome {
	c := Conflict{Local: local, Server: server}
	for _, r := range d.rules {
		if r.Matcher(c) {
			if d.hooks.OnRuleMatched != nil {
				d.hooks.OnRuleMatched(c, r)
			}
			return d.resolved(c, r.Resolver.Resolve(local, server))
		}
	}
	if d.hooks.OnFallback != nil {
		d.hooks.OnFallback(c)
	}
	return d.resolved(c, d.fallback.Resolve(local, server))
}

func (d *Dynamic) resolved(c Conflict, out Outcome) Outcome {
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(c, out)
	}
	return out
}
