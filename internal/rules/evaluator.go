package rules

import (
	"fmt"

	"github.com/t77yq/telemetry-hub/internal/model"
)

// MatchedCondition records a condition that held and the value that satisfied it
type MatchedCondition struct {
	Field     string            `json:"field"`
	Operator  model.Operator    `json:"operator"`
	Threshold model.MetricValue `json:"threshold"`
	Value     model.MetricValue `json:"value"`
}

// EvaluateRule checks rule against reading and returns the conditions that held.
// A condition on a metric the reading does not carry never holds.
func EvaluateRule(rule *model.AlertRule, reading *model.TelemetryReading) ([]MatchedCondition, bool, error) {
	if err := rule.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRuleEvaluation, err)
	}

	var matched []MatchedCondition
	for _, cond := range rule.Conditions {
		value, ok, err := evaluateCondition(cond, reading)
		if err != nil {
			return nil, false, fmt.Errorf("%w: rule %s: %v", ErrRuleEvaluation, rule.ID, err)
		}
		if !ok {
			continue
		}
		matched = append(matched, MatchedCondition{
			Field:     cond.Field,
			Operator:  cond.Operator,
			Threshold: cond.Threshold,
			Value:     value,
		})
	}

	switch {
	case rule.Type == model.RuleTypeSimple:
		return matched, len(matched) == 1, nil
	case rule.Logic == model.LogicAnd:
		return matched, len(matched) == len(rule.Conditions), nil
	default:
		return matched, len(matched) > 0, nil
	}
}

func evaluateCondition(cond model.Condition, reading *model.TelemetryReading) (model.MetricValue, bool, error) {
	value, ok := reading.Metric(cond.Field)
	if !ok {
		return value, false, nil
	}

	if value.IsText || cond.Threshold.IsText {
		if cond.Operator.Ordering() {
			return value, false, fmt.Errorf("operator %s cannot compare text metric %s", cond.Operator, cond.Field)
		}
		equal := value.IsText == cond.Threshold.IsText && value.String() == cond.Threshold.String()
		if cond.Operator == model.OpEqual {
			return value, equal, nil
		}
		return value, !equal, nil
	}

	return value, compare(value.Num, cond.Operator, cond.Threshold.Num), nil
}

func compare(value float64, op model.Operator, threshold float64) bool {
	switch op {
	case model.OpGreater:
		return value > threshold
	case model.OpGreaterEqual:
		return value >= threshold
	case model.OpLess:
		return value < threshold
	case model.OpLessEqual:
		return value <= threshold
	case model.OpEqual:
		return value == threshold
	case model.OpNotEqual:
		return value != threshold
	}
	return false
}
