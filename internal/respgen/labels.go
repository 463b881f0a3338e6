package respgen

import (
	"strconv"
	"strings"
)

// Expression and action vocabularies of the avatar frontend, indexed by the
// numeric ids the LLM embeds in its markers. Index 0 is the neutral default.
var (
	expressionNames = []string{
		"normal", "joy", "impressed", "convinced", "thinking",
		"sleepy", "suspicion", "compassion", "embarrassing", "anger",
	}
	actionNames = []string{
		"wait", "listening", "nod", "head_tilt", "thinking",
		"light_greeting", "greeting", "strong_denial", "light_denial", "swing",
	}
)

// DefaultExpression and DefaultAction are the neutral labels.
const (
	DefaultExpression = "normal"
	DefaultAction     = "wait"
)

// parseMarker decodes a trailing "<expr>_<label>|<action>_<label>" marker,
// e.g. "1_joy|2_nod". Unknown or malformed ids map to the neutral labels.
func parseMarker(s string) (expression, action string) {
	expression = expressionNames[0]
	action = actionNames[0]
	if !strings.Contains(s, "|") {
		return expression, action
	}
	rawExpr, rawAct, _ := strings.Cut(s, "|")
	expression = expressionNames[labelID(rawExpr, len(expressionNames))]
	action = actionNames[labelID(rawAct, len(actionNames))]
	return expression, action
}

// labelID extracts the numeric prefix of "3_head_tilt" style labels, clamped
// to [0, n).
func labelID(s string, n int) int {
	head, _, _ := strings.Cut(strings.TrimSpace(s), "_")
	id, err := strconv.Atoi(head)
	if err != nil || id < 0 || id >= n {
		return 0
	}
	return id
}
