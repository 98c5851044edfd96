package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidFlag = errors.New("invalid flag")

// NewRuleset validates flags and indexes them by key. Flags with an empty
// state are treated as enabled.
func NewRuleset(version string, flags []Flag) (Ruleset, error) {
	indexed := make(map[string]Flag, len(flags))
	for idx, flag := range flags {
		if flag.State == "" {
			flag.State = StateEnabled
		}
		if err := flag.Validate(); err != nil {
			return Ruleset{}, fmt.Errorf("flags[%d]: %w", idx, err)
		}
		if _, exists := indexed[flag.Key]; exists {
			return Ruleset{}, fmt.Errorf("%w: duplicate key %q", ErrInvalidFlag, flag.Key)
		}
		indexed[flag.Key] = flag
	}

	return Ruleset{Version: version, Flags: indexed}, nil
}

// Validate checks that a flag is internally consistent: every variant
// referenced exists and every variant value matches the declared type.
func (f Flag) Validate() error {
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidFlag)
	}

	switch f.State {
	case StateEnabled, StateDisabled:
	default:
		return fmt.Errorf("%w: %q has unknown state %q", ErrInvalidFlag, f.Key, f.State)
	}

	switch f.Type {
	case TypeBoolean, TypeString, TypeNumber, TypeObject:
	default:
		return fmt.Errorf("%w: %q has unknown type %q", ErrInvalidFlag, f.Key, f.Type)
	}

	if len(f.Variants) == 0 {
		return fmt.Errorf("%w: %q has no variants", ErrInvalidFlag, f.Key)
	}

	names := make([]string, 0, len(f.Variants))
	for name := range f.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !MatchesType(f.Type, f.Variants[name]) {
			return fmt.Errorf("%w: %q variant %q is not a %s", ErrInvalidFlag, f.Key, name, f.Type)
		}
	}

	if _, ok := f.Variants[f.DefaultVariant]; !ok {
		return fmt.Errorf("%w: %q default variant %q is not defined", ErrInvalidFlag, f.Key, f.DefaultVariant)
	}

	for idx, rule := range f.Rules {
		if _, ok := f.Variants[rule.Variant]; !ok {
			return fmt.Errorf("%w: %q rules[%d] variant %q is not defined", ErrInvalidFlag, f.Key, idx, rule.Variant)
		}
		if rule.Rollout != nil && (rule.Rollout.Percentage < 0 || rule.Rollout.Percentage > 100) {
			return fmt.Errorf("%w: %q rules[%d] rollout must be within [0, 100]", ErrInvalidFlag, f.Key, idx)
		}
		for cidx, condition := range rule.Conditions {
			if strings.TrimSpace(condition.Attribute) == "" {
				return fmt.Errorf("%w: %q rules[%d].conditions[%d] attribute is required", ErrInvalidFlag, f.Key, idx, cidx)
			}
			if !knownOperator(condition.Operator) {
				return fmt.Errorf("%w: %q rules[%d].conditions[%d] unknown operator %q", ErrInvalidFlag, f.Key, idx, cidx, condition.Operator)
			}
		}
	}

	return nil
}

// MatchesType reports whether value can be served for a flag of type t.
func MatchesType(t Type, value any) bool {
	switch t {
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := AsFloat64(value)
		return ok
	case TypeObject:
		return value != nil
	default:
		return false
	}
}

func knownOperator(operator Operator) bool {
	switch operator {
	case OperatorEquals, OperatorNotEquals, OperatorIn, OperatorNotIn, OperatorStartsWith, OperatorEndsWith:
		return true
	default:
		return false
	}
}
