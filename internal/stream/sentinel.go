package stream

import (
	"fmt"
	"regexp"
)

// SentinelAction is the verdict returned by Sentinel.Scan for one matched
// marker, mirroring the teacher's Sanitizer Action/CheckResult shape but
// repurposed from input prompt-injection screening to output sentinel
// scrubbing: every match here is scrubbed, never merely warned about,
// because raw scaffold/tool/error text must never reach the user.
type SentinelAction int

const (
	SentinelScrub SentinelAction = iota
)

// SentinelHit records which configured marker matched and where.
type SentinelHit struct {
	Marker string
	Sample string
}

// Sentinel scrubs a closed, configuration-driven set of forbidden markers
// from model output: scaffold tags, tool-call preambles, and raw backend
// error frames that must never be shown to the user. The exact marker set
// is deployment configuration, not compiled-in (spec's open question on the
// forbidden sentinel set is resolved toward configuration — see DESIGN.md).
type Sentinel struct {
	patterns []*regexp.Regexp
}

// DefaultForbiddenMarkers is a reasonable built-in set a deployment can
// extend or replace entirely via configuration.
var DefaultForbiddenMarkers = []string{
	`(?i)model\s+has\s+crashed`,
	`(?i)no\s+models?\s+loaded`,
	`<\|im_start\|>`,
	`<\|im_end\|>`,
	`(?i)\[\s*SYSTEM\s*\]`,
	`(?i)\[\s*TOOL_CALL\s*\]`,
	`(?i)Traceback\s+\(most recent call last\)`,
	`(?i)"error"\s*:\s*\{`,
}

// NewSentinel compiles the configured marker patterns. Invalid patterns are
// skipped rather than failing construction, since a bad deployment-supplied
// regex must not take the whole stream down.
func NewSentinel(markers []string) *Sentinel {
	s := &Sentinel{}
	for _, m := range markers {
		re, err := regexp.Compile(m)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// Scrub removes every matched marker (and its matched span) from chunk,
// returning the cleaned text and whether anything was scrubbed.
func (s *Sentinel) Scrub(chunk string) (cleaned string, hit *SentinelHit) {
	cleaned = chunk
	for _, re := range s.patterns {
		loc := re.FindStringIndex(cleaned)
		if loc == nil {
			continue
		}
		sample := cleaned[loc[0]:loc[1]]
		if len(sample) > 24 {
			sample = sample[:21] + "..."
		}
		cleaned = cleaned[:loc[0]] + cleaned[loc[1]:]
		if hit == nil {
			hit = &SentinelHit{Marker: re.String(), Sample: sample}
		}
	}
	return cleaned, hit
}

func (h SentinelHit) String() string {
	return fmt.Sprintf("sentinel match %q: %s", h.Marker, h.Sample)
}
