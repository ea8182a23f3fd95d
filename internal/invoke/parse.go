package invoke

import (
	"regexp"
	"strconv"
	"strings"
)

// StderrParser extracts structured signals from free-form backend
// stderr. One implementation per backend; every brittle regex for that
// backend lives here and nowhere else.
type StderrParser interface {
	ParseSession(stderr []byte) (string, bool)
	ParseTurns(stderr []byte) (int, bool)
	DetectRateLimit(stderr []byte) (reset string, hit bool)
}

var (
	// rateLimitRE covers the hosted CLI's observed rate-limit phrasings.
	rateLimitRE = regexp.MustCompile(`(?i)rate.?limit|token.?exhaust|too.?many.?requests|\b429\b`)

	// resetHintRE pulls the first duration or time-like token near a
	// rate-limit message: "+3600", "retry after 120", "resets at 14:30",
	// or a bare epoch.
	resetHintRE = regexp.MustCompile(`(\+\d+|\b\d{1,2}:\d{2}\b|\b\d{3,}\b)`)

	// sessionRE matches "Session: <hex-dashed>" and
	// "session_id=<hex-dashed>" / "session-id: <hex-dashed>" forms.
	sessionRE = []*regexp.Regexp{
		regexp.MustCompile(`Session:\s*([0-9a-fA-F][0-9a-fA-F-]{7,})`),
		regexp.MustCompile(`(?i)session[_-]?id[=:]\s*([0-9a-fA-F][0-9a-fA-F-]{7,})`),
	}

	// turnsRE matches "turns used: 3", "turns: 3/10", "turn used = 2".
	turnsRE = regexp.MustCompile(`(?i)turns?\s*(?:used)?\s*[:=]\s*(\d+)(?:\s*/\s*\d+)?`)

	// maxTurnsRE matches "maximum turns reached ... 10".
	maxTurnsRE = regexp.MustCompile(`(?i)max(?:imum)?\s+turns\s+reached\D*(\d+)`)
)

// claudeParser reads the hosted CLI's stderr.
type claudeParser struct{}

func (claudeParser) ParseSession(stderr []byte) (string, bool) {
	for _, re := range sessionRE {
		if m := re.FindSubmatch(stderr); m != nil {
			return strings.TrimSpace(string(m[1])), true
		}
	}
	return "", false
}

func (claudeParser) ParseTurns(stderr []byte) (int, bool) {
	if m := turnsRE.FindSubmatch(stderr); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return n, true
		}
	}
	if m := maxTurnsRE.FindSubmatch(stderr); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (claudeParser) DetectRateLimit(stderr []byte) (string, bool) {
	loc := rateLimitRE.FindIndex(stderr)
	if loc == nil {
		return "", false
	}
	// Search for a reset token after the rate-limit phrase first, then
	// anywhere — CLIs put the retry hint on either side.
	tail := stderr[loc[1]:]
	if m := resetHintRE.FindSubmatch(tail); m != nil {
		return string(m[1]), true
	}
	if m := resetHintRE.FindSubmatch(stderr); m != nil {
		return string(m[1]), true
	}
	return "60", true
}

// genericParser serves local and external backends: same rate-limit
// sweep, no session concept.
type genericParser struct{}

func (genericParser) ParseSession([]byte) (string, bool) { return "", false }

func (genericParser) ParseTurns(stderr []byte) (int, bool) {
	return claudeParser{}.ParseTurns(stderr)
}

func (genericParser) DetectRateLimit(stderr []byte) (string, bool) {
	return claudeParser{}.DetectRateLimit(stderr)
}

// Protocol line prefixes emitted by external invoker scripts on stdout.
const (
	protoSession   = "SESSION_ID:"
	protoTurns     = "TURNS_USED:"
	protoExhausted = "TOKEN_EXHAUSTED:"
)

// applyProtocolLine folds one stdout line into the result. Unknown
// lines are ignored — the protocol permits arbitrary interleaving.
func applyProtocolLine(res *Result, line string) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, protoSession):
		v := strings.TrimSpace(strings.TrimPrefix(line, protoSession))
		if v != "" && !strings.ContainsAny(v, " \t") {
			res.SessionID = v
		}
	case strings.HasPrefix(line, protoTurns):
		if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, protoTurns))); err == nil {
			res.TurnsUsed = n
		}
	case strings.HasPrefix(line, protoExhausted):
		res.Exhausted = true
		res.ResetHint = strings.TrimSpace(strings.TrimPrefix(line, protoExhausted))
	}
}
