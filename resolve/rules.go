package resolve

import (
	"context"
	"errors"

	"github.com/medirec/offsync/record"
)

// Matcher selects conflicts for rule dispatch.
type Matcher func(c *record.Conflict) bool

// CollectionIs matches conflicts in one collection.
func CollectionIs(name string) Matcher {
	return func(c *record.Conflict) bool { return c.Collection == name }
}

// DeleteInvolved matches conflicts where either side is a delete.
func DeleteInvolved() Matcher {
	return func(c *record.Conflict) bool { return c.Local.Deleted || c.Remote.Deleted }
}

// Always matches every conflict. Useful as the last rule.
func Always() Matcher {
	return func(*record.Conflict) bool { return true }
}

// And combines matchers conjunctively.
func And(matchers ...Matcher) Matcher {
	return func(c *record.Conflict) bool {
		for _, m := range matchers {
			if !m(c) {
				return false
			}
		}
		return true
	}
}

// Rule binds a matcher to a strategy. Rules are evaluated in insertion order
// with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Matcher
	Strategy Strategy
}

// Policy dispatches conflicts to strategies over an ordered rule set. A
// conflict no rule matches is left for explicit user choice.
type Policy struct {
	resolver *Resolver
	rules    []Rule
}

// PolicyOption configures a Policy at construction.
type PolicyOption func(*Policy)

// WithRule appends a rule in evaluation order.
func WithRule(name string, matcher Matcher, strategy Strategy) PolicyOption {
	return func(p *Policy) {
		p.rules = append(p.rules, Rule{Name: name, Matcher: matcher, Strategy: strategy})
	}
}

// WithCollectionRule is a convenience for per-collection strategies.
func WithCollectionRule(name, collection string, strategy Strategy) PolicyOption {
	return WithRule(name, CollectionIs(collection), strategy)
}

// NewPolicy builds an automatic resolution policy over the resolver.
// Invariants: every rule needs a matcher and a valid strategy.
func NewPolicy(resolver *Resolver, opts ...PolicyOption) (*Policy, error) {
	p := &Policy{resolver: resolver}
	for _, opt := range opts {
		opt(p)
	}
	for _, r := range p.rules {
		if r.Matcher == nil {
			return nil, errors.New("policy rule " + r.Name + " has nil matcher")
		}
		if !r.Strategy.Valid() {
			return nil, errors.New("policy rule " + r.Name + " has invalid strategy " + string(r.Strategy))
		}
	}
	return p, nil
}

// Match returns the strategy of the first matching rule.
func (p *Policy) Match(c *record.Conflict) (Strategy, bool) {
	for _, r := range p.rules {
		if r.Matcher(c) {
			return r.Strategy, true
		}
	}
	return "", false
}

// Apply resolves the conflict with the first matching rule's strategy.
// Returns false when no rule matches; the conflict then waits for the user.
// A failed field-merge also falls through to the user rather than guessing.
func (p *Policy) Apply(ctx context.Context, c *record.Conflict) (bool, error) {
	strategy, ok := p.Match(c)
	if !ok {
		return false, nil
	}
	_, err := p.resolver.Resolve(ctx, c.ID, strategy)
	if errors.Is(err, ErrMergeUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
