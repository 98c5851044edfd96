// Package core holds the flag rule model and the pure targeting evaluator.
//
// Nothing in this package performs I/O. Rulesets are built once by a source,
// validated, and then treated as read-only values by every reader.
package core

type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorNotEquals  Operator = "not_equals"
	OperatorIn         Operator = "in"
	OperatorNotIn      Operator = "not_in"
	OperatorStartsWith Operator = "starts_with"
	OperatorEndsWith   Operator = "ends_with"
)

type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

type Type string

const (
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeObject  Type = "object"
)

// TargetingKeyAttribute lets conditions address the evaluation subject's
// targeting key alongside its regular attributes.
const TargetingKeyAttribute = "targetingKey"

type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

// Rollout restricts a rule to a stable percentage of targeting keys.
type Rollout struct {
	Percentage float64 `json:"percentage" yaml:"percentage"`
}

// Rule maps a conjunction of conditions to a variant. Rules are evaluated in
// slice order and the first match wins.
type Rule struct {
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Variant    string      `json:"variant" yaml:"variant"`
	Rollout    *Rollout    `json:"rollout,omitempty" yaml:"rollout,omitempty"`
}

type Flag struct {
	Key            string         `json:"key" yaml:"key"`
	State          State          `json:"state,omitempty" yaml:"state,omitempty"`
	Type           Type           `json:"type" yaml:"type"`
	DefaultVariant string         `json:"default_variant" yaml:"default_variant"`
	Variants       map[string]any `json:"variants" yaml:"variants"`
	Rules          []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Ruleset is a complete, versioned set of flags as served by a backend.
type Ruleset struct {
	Version string
	Flags   map[string]Flag
}

type EvaluationContext struct {
	TargetingKey string
	Attributes   map[string]any
}
