package rules

import "errors"

// ErrRuleEvaluation is returned when a rule definition cannot be evaluated against a reading
var ErrRuleEvaluation = errors.New("rule evaluation error")
