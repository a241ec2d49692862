package alarm

import (
	"strings"

	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/rules"
)

// ComposeMessage builds the alarm message for a fired rule. A rule template may use
// {rule}, {device}, {severity}, {field}, {value} and {threshold}; the field placeholders
// refer to the first matched condition.
func ComposeMessage(rule *model.AlertRule, deviceID string, matched []rules.MatchedCondition) string {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	if deviceID == "" {
		deviceID = model.FleetKey
	}

	if rule.MessageTemplate != "" {
		var field, value, threshold string
		if len(matched) > 0 {
			field = matched[0].Field
			value = matched[0].Value.String()
			threshold = matched[0].Threshold.String()
		}
		return strings.NewReplacer(
			"{rule}", name,
			"{device}", deviceID,
			"{severity}", string(rule.Severity),
			"{field}", field,
			"{value}", value,
			"{threshold}", threshold,
		).Replace(rule.MessageTemplate)
	}

	parts := make([]string, 0, len(matched))
	for _, m := range matched {
		parts = append(parts, m.Field+" "+string(m.Operator)+" "+m.Threshold.String()+" (value "+m.Value.String()+")")
	}

	sep := " and "
	if rule.Type == model.RuleTypeComplex && rule.Logic == model.LogicOr {
		sep = " or "
	}
	return name + " on " + deviceID + ": " + strings.Join(parts, sep)
}

func metricInterface(v model.MetricValue) interface{} {
	if v.IsText {
		return v.Text
	}
	return v.Num
}

func matchedContext(matched []rules.MatchedCondition) []interface{} {
	out := make([]interface{}, 0, len(matched))
	for _, m := range matched {
		out = append(out, map[string]interface{}{
			"field":     m.Field,
			"operator":  string(m.Operator),
			"threshold": metricInterface(m.Threshold),
			"value":     metricInterface(m.Value),
		})
	}
	return out
}
