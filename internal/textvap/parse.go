package textvap

import (
	"regexp"
	"strconv"
	"strings"
)

// reply is the parsed output of one classifier call. The model answers with
// up to four labelled lines:
//
//	a: <verbal backchannel>
//	b: <expression label>
//	c: <action label>
//	d: <turn-yield score 0-10>
//
// Labels may carry a numeric prefix like "2_nod"; the prefix is dropped.
type reply struct {
	Backchannel string
	Expression  string
	Action      string
	YieldScore  int
	HasScore    bool
}

var (
	backchannelRe = regexp.MustCompile(`(?im)^\s*a:\s*(.+?)\s*$`)
	expressionRe  = regexp.MustCompile(`(?i)b:\s*(?:\d+_)?([a-zA-Z_]+)`)
	actionRe      = regexp.MustCompile(`(?i)c:\s*(?:\d+_)?([a-zA-Z_]+)`)
	scoreRe       = regexp.MustCompile(`(?i)d:\s*(\d+)`)
)

// parseReply extracts the labelled fields from raw model output. Missing or
// malformed lines leave the corresponding field at its zero value.
func parseReply(raw string) reply {
	var r reply
	if m := backchannelRe.FindStringSubmatch(raw); m != nil {
		bc := strings.Trim(m[1], `"'`)
		// Models tend to punctuate the refusal ("Nothing.").
		switch strings.ToLower(strings.TrimRight(bc, ".!?,")) {
		case "", "nothing", "none":
		default:
			r.Backchannel = bc
		}
	}
	if m := expressionRe.FindStringSubmatch(raw); m != nil {
		r.Expression = strings.ToLower(strings.TrimSpace(m[1]))
	}
	if m := actionRe.FindStringSubmatch(raw); m != nil {
		r.Action = strings.ToLower(strings.TrimSpace(m[1]))
	}
	if m := scoreRe.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 10 {
			r.YieldScore = n
			r.HasScore = true
		}
	}
	return r
}
