package mood

import (
	"strings"

	"github.com/Pavua/krab/internal/corekit"
)

// positiveEmoji/negativeEmoji classify the common reaction set; anything
// else is treated as neutral (signal 0).
var (
	positiveEmoji = map[string]bool{"👍": true, "❤️": true, "🔥": true, "😂": true, "🎉": true}
	negativeEmoji = map[string]bool{"👎": true, "😡": true, "💩": true}
)

func lexicalSignalForEmoji(emoji string) float64 {
	switch {
	case positiveEmoji[emoji]:
		return 1
	case negativeEmoji[emoji]:
		return -1
	default:
		return 0
	}
}

// negativeWords/positiveWords are a deliberately small, fixed lexicon:
// the spec requires local sentiment extraction with no LLM call on the
// hot path, not an accurate sentiment model.
var (
	negativeWords = []string{"useless", "broken", "stupid", "hate", "terrible", "wtf", "garbage"}
	positiveWords = []string{"thanks", "great", "awesome", "perfect", "love", "nice"}
)

func lexicalSignalForText(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score -= 1
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score += 1
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// toneFromWindow classifies a rolling window of signed signals into one
// of the four advisory Mood values. Hostile requires a sustained negative
// run, not a single bad signal, so one angry reaction doesn't flip the
// whole chat's persona.
func toneFromWindow(window []float64) corekit.Mood {
	if len(window) == 0 {
		return corekit.MoodNeutral
	}
	sum := 0.0
	negRun := 0
	maxNegRun := 0
	for _, v := range window {
		sum += v
		if v < 0 {
			negRun++
			if negRun > maxNegRun {
				maxNegRun = negRun
			}
		} else {
			negRun = 0
		}
	}
	avg := sum / float64(len(window))
	switch {
	case maxNegRun >= 4:
		return corekit.MoodHostile
	case avg <= -0.3:
		return corekit.MoodTense
	case avg >= 0.3:
		return corekit.MoodPositive
	default:
		return corekit.MoodNeutral
	}
}
