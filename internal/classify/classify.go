// Package classify implements the two-tier pattern relevance check.
//
// It is a pure leaf: no I/O, no stores. Rulesets are validated at admission
// time (CompileExpr); Go's RE2 engine guarantees linear-time matching, so a
// single pathological pattern cannot stall a poll cycle.
package classify

import (
	"regexp"
	"strings"
	"sync"
)

type Kind string

const (
	KindMajor Kind = "major"
	KindMinor Kind = "minor"
)

// Ruleset is one scope's classification config.
// Pattern order is significant: it is the evaluation and label order.
type Ruleset struct {
	MajorPatterns  []string `json:"major_patterns"`
	MinorPatterns  []string `json:"minor_patterns"`
	MinorThreshold int      `json:"min_minor_required"`
}

// Verdict is the classification result for one text.
type Verdict struct {
	IsRelevant      bool
	MajorCount      int
	MinorCount      int
	MatchedPatterns []string
}

// CompileExpr validates an expression the way Classify will use it
// (case-insensitive). It is the admission gate: expressions that fail here
// must never be stored in a ruleset.
func CompileExpr(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

// Patterns are matched per entry on every cycle; cache compiled forms so the
// hot path is a map lookup, not a recompile.
var (
	cacheMu sync.RWMutex
	cache   = map[string]*regexp.Regexp{}
)

func compiled(expr string) *regexp.Regexp {
	cacheMu.RLock()
	re, ok := cache[expr]
	cacheMu.RUnlock()
	if ok {
		return re
	}

	re, err := CompileExpr(expr)
	if err != nil {
		// Admission should make this unreachable; treat as "no match"
		// rather than failing the whole classification.
		re = nil
	}
	cacheMu.Lock()
	cache[expr] = re
	cacheMu.Unlock()
	return re
}

// Classify matches text against every pattern in rs, majors first, in
// ruleset order. Empty text yields a zero, non-relevant verdict.
func Classify(text string, rs Ruleset) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}

	v := Verdict{}
	for _, p := range rs.MajorPatterns {
		if re := compiled(p); re != nil && re.MatchString(text) {
			v.MajorCount++
			v.MatchedPatterns = append(v.MatchedPatterns, "MAJOR: "+p)
		}
	}
	for _, p := range rs.MinorPatterns {
		if re := compiled(p); re != nil && re.MatchString(text) {
			v.MinorCount++
			v.MatchedPatterns = append(v.MatchedPatterns, "MINOR: "+p)
		}
	}

	threshold := rs.MinorThreshold
	if threshold < 1 {
		threshold = 1
	}
	v.IsRelevant = v.MajorCount > 0 || v.MinorCount >= threshold
	return v
}
