package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type MatchReason string

const (
	MatchStatic    MatchReason = "STATIC"
	MatchTargeting MatchReason = "TARGETING_MATCH"
	MatchDisabled  MatchReason = "DISABLED"
)

const rolloutBucketsTotal = 10000

var ErrTargetingKeyMissing = errors.New("targeting key missing")

// Resolution is the outcome of evaluating one flag. Value is nil when the
// flag is disabled; callers substitute their own default in that case.
type Resolution struct {
	Value   any
	Variant string
	Reason  MatchReason
	Rule    string
}

// Evaluate resolves flag for the given subject. Rules are tried in order; the
// first rule whose conditions all hold (and whose rollout bucket admits the
// subject) selects its variant. Without a match the default variant is served.
func Evaluate(flag Flag, context EvaluationContext) (Resolution, error) {
	if flag.State == StateDisabled {
		return Resolution{Reason: MatchDisabled}, nil
	}

	for idx, rule := range flag.Rules {
		matched, err := ruleMatches(flag.Key, rule, context)
		if err != nil {
			return Resolution{}, fmt.Errorf("flag %q rules[%d]: %w", flag.Key, idx, err)
		}
		if !matched {
			continue
		}

		value, ok := flag.Variants[rule.Variant]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %q variant %q is not defined", ErrInvalidFlag, flag.Key, rule.Variant)
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", idx)
		}
		return Resolution{
			Value:   value,
			Variant: rule.Variant,
			Reason:  MatchTargeting,
			Rule:    name,
		}, nil
	}

	value, ok := flag.Variants[flag.DefaultVariant]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q default variant %q is not defined", ErrInvalidFlag, flag.Key, flag.DefaultVariant)
	}

	return Resolution{
		Value:   value,
		Variant: flag.DefaultVariant,
		Reason:  MatchStatic,
	}, nil
}

func ruleMatches(flagKey string, rule Rule, context EvaluationContext) (bool, error) {
	for _, condition := range rule.Conditions {
		if !evaluateCondition(condition, context) {
			return false, nil
		}
	}

	if rule.Rollout == nil {
		return true, nil
	}
	if context.TargetingKey == "" {
		return false, ErrTargetingKeyMissing
	}

	return RolloutBucket(flagKey, context.TargetingKey) < rule.Rollout.Percentage, nil
}

// RolloutBucket maps a subject onto [0, 100) deterministically per flag so a
// given targeting key stays in or out of a rollout across evaluations.
func RolloutBucket(flagKey string, targetingKey string) float64 {
	sum := xxhash.Sum64String(flagKey + "/" + targetingKey)
	return float64(sum%rolloutBucketsTotal) / (rolloutBucketsTotal / 100)
}

func evaluateCondition(condition Condition, context EvaluationContext) bool {
	attributeValue, ok := lookupAttribute(condition.Attribute, context)
	if !ok {
		// Negative operators hold for subjects that lack the attribute.
		return condition.Operator == OperatorNotEquals || condition.Operator == OperatorNotIn
	}

	switch condition.Operator {
	case OperatorEquals:
		return valuesEqual(attributeValue, condition.Value)
	case OperatorNotEquals:
		return !valuesEqual(attributeValue, condition.Value)
	case OperatorIn:
		return valueIn(attributeValue, condition.Value)
	case OperatorNotIn:
		return !valueIn(attributeValue, condition.Value)
	case OperatorStartsWith:
		return stringOperands(attributeValue, condition.Value, strings.HasPrefix)
	case OperatorEndsWith:
		return stringOperands(attributeValue, condition.Value, strings.HasSuffix)
	default:
		return false
	}
}

func lookupAttribute(attribute string, context EvaluationContext) (any, bool) {
	if attribute == TargetingKeyAttribute && context.TargetingKey != "" {
		return context.TargetingKey, true
	}
	if context.Attributes == nil {
		return nil, false
	}
	value, ok := context.Attributes[attribute]
	return value, ok
}

func stringOperands(left any, right any, match func(string, string) bool) bool {
	leftString, ok := left.(string)
	if !ok {
		return false
	}
	rightString, ok := right.(string)
	if !ok {
		return false
	}
	return match(leftString, rightString)
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

// valuesEqual compares numbers by value regardless of their Go type, since
// JSON decodes to float64 while YAML and callers hand us ints.
func valuesEqual(left any, right any) bool {
	leftNumber, leftIsNumber := AsFloat64(left)
	rightNumber, rightIsNumber := AsFloat64(right)
	if leftIsNumber && rightIsNumber {
		if leftInt, ok := asInt64(left); ok {
			if rightInt, ok := asInt64(right); ok {
				return leftInt == rightInt
			}
		}
		if leftUint, ok := asUint64(left); ok {
			if rightUint, ok := asUint64(right); ok {
				return leftUint == rightUint
			}
		}
		return leftNumber == rightNumber
	}

	if leftIsNumber != rightIsNumber {
		return false
	}

	return reflect.DeepEqual(left, right)
}

// AsFloat64 widens any Go numeric value to float64.
func AsFloat64(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}

	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}
