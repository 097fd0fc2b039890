package stream

import "regexp"

// LeakWarning describes a detected secret-shaped string in model output,
// the same shape as the teacher's leak detector but scanning a backend's
// streamed reply rather than a tool's return value.
type LeakWarning struct {
	Pattern string
	Sample  string
}

// LeakDetector scans output for strings that look like leaked credentials.
// Part of the output sanitization pipeline: content must be scrubbed of
// this shape before it is ever emitted, since a misbehaving backend can
// echo back request headers or environment values verbatim.
type LeakDetector struct{}

// NewLeakDetector creates a LeakDetector.
func NewLeakDetector() *LeakDetector { return &LeakDetector{} }

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), desc: "API key"},
	{re: regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), desc: "Bearer token"},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), desc: "Google API key"},
	{re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), desc: "OpenAI API key"},
	{re: regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), desc: "private key"},
	{re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), desc: "password"},
}

// Scan reports leaked-looking substrings without modifying output.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}

// Redact replaces every leak-shaped match with a fixed placeholder so a
// legitimate-looking secret never reaches the transport.
func (d *LeakDetector) Redact(output string) string {
	for _, pat := range leakPatterns {
		output = pat.re.ReplaceAllString(output, "[REDACTED]")
	}
	return output
}
