package stream

import (
	"hash/maphash"
	"strings"
)

// reasoningLoopDetector flags a reasoning buffer that repeats the same line
// R or more times — the common "Step 1: do X. Step 1: do X. ..." pattern.
type reasoningLoopDetector struct {
	threshold int
	counts    map[string]int
	seed      maphash.Seed
}

func newReasoningLoopDetector(threshold int) *reasoningLoopDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &reasoningLoopDetector{threshold: threshold, counts: make(map[string]int), seed: maphash.MakeSeed()}
}

// Feed records one newly-completed line of reasoning text and reports
// whether it has now repeated at least threshold times.
func (d *reasoningLoopDetector) Feed(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	d.counts[line]++
	return d.counts[line] >= d.threshold
}

// paragraphLoopDetector is the rolling-hash tail-loop detector spec.md §9
// calls for: it hashes each completed paragraph (surviving chunk
// boundaries, since paragraphs are only finalized on a separator) and
// flags immediate repetition rather than scanning fixed-size chunks for
// substrings.
type paragraphLoopDetector struct {
	threshold int
	lastHash  uint64
	lastText  string
	repeat    int
	seed      maphash.Seed
}

func newParagraphLoopDetector(threshold int) *paragraphLoopDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &paragraphLoopDetector{threshold: threshold, seed: maphash.MakeSeed()}
}

func (d *paragraphLoopDetector) hash(s string) uint64 {
	var h maphash.Hash
	h.SetSeed(d.seed)
	_, _ = h.WriteString(strings.TrimSpace(s))
	return h.Sum64()
}

// Feed records one completed paragraph and reports whether it is an
// immediate repeat of the previous paragraph, seen threshold or more times
// in a row.
func (d *paragraphLoopDetector) Feed(paragraph string) bool {
	trimmed := strings.TrimSpace(paragraph)
	if trimmed == "" {
		return false
	}
	h := d.hash(trimmed)
	if h == d.lastHash && trimmed == d.lastText {
		d.repeat++
	} else {
		d.repeat = 1
		d.lastHash = h
		d.lastText = trimmed
	}
	return d.repeat >= d.threshold
}

// paragraphSplitter accumulates streamed content and yields completed
// paragraphs as soon as a blank-line separator is seen, so detectors can
// operate on paragraph-sized cells instead of arbitrary chunk boundaries.
type paragraphSplitter struct {
	buf strings.Builder
}

func (p *paragraphSplitter) Write(chunk string) (completed []string) {
	p.buf.WriteString(chunk)
	text := p.buf.String()
	parts := strings.Split(text, "\n\n")
	if len(parts) == 1 {
		return nil
	}
	// All but the last part are complete paragraphs; the last is the
	// in-progress tail kept in the buffer.
	completed = parts[:len(parts)-1]
	p.buf.Reset()
	p.buf.WriteString(parts[len(parts)-1])
	return completed
}

func (p *paragraphSplitter) Remainder() string { return p.buf.String() }
