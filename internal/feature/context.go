package feature

import (
	"maps"

	"github.com/matt-riley/flagwatch/internal/core"
)

// EvaluationContext identifies the subject of an evaluation. It is immutable:
// constructors copy their input and every accessor hands out copies, so a
// context can be shared across goroutines and hooks without coordination.
type EvaluationContext struct {
	targetingKey string
	attributes   map[string]any
}

// NewEvaluationContext builds a context from a targeting key and attributes.
// The attribute map is copied.
func NewEvaluationContext(targetingKey string, attributes map[string]any) EvaluationContext {
	return EvaluationContext{
		targetingKey: targetingKey,
		attributes:   maps.Clone(attributes),
	}
}

func (c EvaluationContext) TargetingKey() string {
	return c.targetingKey
}

func (c EvaluationContext) Attribute(key string) (any, bool) {
	value, ok := c.attributes[key]
	return value, ok
}

// Attributes returns a copy of the attribute map.
func (c EvaluationContext) Attributes() map[string]any {
	if c.attributes == nil {
		return map[string]any{}
	}
	return maps.Clone(c.attributes)
}

// WithAttribute returns a new context with key set to value.
func (c EvaluationContext) WithAttribute(key string, value any) EvaluationContext {
	attributes := make(map[string]any, len(c.attributes)+1)
	maps.Copy(attributes, c.attributes)
	attributes[key] = value
	return EvaluationContext{targetingKey: c.targetingKey, attributes: attributes}
}

// Merge layers other on top of c. Attributes from other win on conflict and a
// non-empty targeting key from other replaces the current one.
func (c EvaluationContext) Merge(other EvaluationContext) EvaluationContext {
	attributes := make(map[string]any, len(c.attributes)+len(other.attributes))
	maps.Copy(attributes, c.attributes)
	maps.Copy(attributes, other.attributes)

	targetingKey := c.targetingKey
	if other.targetingKey != "" {
		targetingKey = other.targetingKey
	}

	return EvaluationContext{targetingKey: targetingKey, attributes: attributes}
}

// subject exposes the context to the rule evaluator. The evaluator never
// mutates attributes, so the map is shared rather than copied.
func (c EvaluationContext) subject() core.EvaluationContext {
	return core.EvaluationContext{
		TargetingKey: c.targetingKey,
		Attributes:   c.attributes,
	}
}
