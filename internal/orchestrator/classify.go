package orchestrator

import (
	"strings"

	"github.com/loomworks/loom/internal/model"
)

// classifyRule is one row of the failure classification table. Rules
// are evaluated in order and the first match wins.
type classifyRule struct {
	match func(string) bool
	ft    model.FailureType
}

var classifyRules = []classifyRule{
	{
		match: func(s string) bool {
			return strings.Contains(s, "test") &&
				(strings.Contains(s, "fail") || strings.Contains(strings.ToUpper(s), "FAIL"))
		},
		ft: model.FailureTest,
	},
	{
		match: anyOf("error: cannot find", "undefined", "compile", "cargo build"),
		ft:    model.FailureBuild,
	},
	{
		match: anyOf("timed out", "timeout"),
		ft:    model.FailureTimeout,
	},
	{
		match: anyOf("killed", "OOM", "signal 9"),
		ft:    model.FailureSessionCrash,
	},
	{
		match: anyOf("panic", "traceback"),
		ft:    model.FailureCodeError,
	},
	{
		match: anyOf("merge conflict"),
		ft:    model.FailureMergeConflict,
	},
	{
		match: anyOf("context exhausted", "handoff"),
		ft:    model.FailureContextExhausted,
	},
}

func anyOf(needles ...string) func(string) bool {
	return func(s string) bool {
		for _, n := range needles {
			if strings.Contains(s, n) {
				return true
			}
		}
		return false
	}
}

// ClassifyFailure maps free-text crash evidence to a failure type.
// Unmatched evidence is Unknown, which retries at most once.
func ClassifyFailure(evidence string) model.FailureType {
	lower := strings.ToLower(evidence)
	for _, rule := range classifyRules {
		// Case-sensitive needles (OOM, FAIL) check the original text.
		if rule.match(lower) || rule.match(evidence) {
			return rule.ft
		}
	}
	return model.FailureUnknown
}

// maxUnknownRetries caps retries for failures we could not classify.
const maxUnknownRetries = 1

// shouldRetry decides whether a failed stage gets another attempt.
func shouldRetry(stage *model.Stage, ft model.FailureType) bool {
	if !ft.AutoRetryable() {
		return false
	}
	limit := stage.EffectiveMaxRetries()
	if ft == model.FailureUnknown && limit > maxUnknownRetries {
		limit = maxUnknownRetries
	}
	return stage.RetryCount < limit
}
