// Package complexity scans user speech for linguistic complexity signals.
// The indicator set and threshold are heuristic policy, tuned on real
// assessment transcripts, not a fixed linguistic standard.
package complexity

import (
	"strings"

	"github.com/vivavoce/viva/pkg/exam/types"
)

// DefaultThreshold is the match count at which phase-3 conversation is
// considered complex enough to warrant the advanced tier.
const DefaultThreshold = 3

// defaultIndicators groups the phrase classes the detector looks for:
// perfect modals, subjunctive and hypothetical constructions, low-frequency
// discourse connectors, abstract framing, complex conditionals, and academic
// hedges.
var defaultIndicators = []string{
	// Perfect modals.
	"would have", "could have", "might have", "should have",
	"must have", "may have",

	// Subjunctive mood.
	"were i to", "had i known", "if i were", "wish i were",
	"suggest that", "recommend that", "insist that",

	// Advanced connectors.
	"nevertheless", "notwithstanding", "furthermore",
	"moreover", "consequently", "subsequently", "albeit",

	// Abstract thinking.
	"hypothetically", "theoretically", "fundamentally",
	"philosophically", "paradoxically", "arguably",

	// Complex conditionals.
	"had it not been", "were it not for", "but for",

	// Academic discourse.
	"to what extent", "the extent to which", "insofar as",
	"with regard to", "in light of", "by virtue of",
}

// Detector counts indicator matches in user speech. The zero value is not
// usable; construct with New.
type Detector struct {
	indicators []string
}

// New returns a detector over the default indicator set.
func New() *Detector {
	return &Detector{indicators: defaultIndicators}
}

// NewWithIndicators returns a detector over a custom indicator set. Empty
// entries are dropped; matching is case-insensitive substring containment.
func NewWithIndicators(indicators []string) *Detector {
	cleaned := make([]string, 0, len(indicators))
	for _, in := range indicators {
		in = strings.ToLower(strings.TrimSpace(in))
		if in == "" {
			continue
		}
		cleaned = append(cleaned, in)
	}
	return &Detector{indicators: cleaned}
}

// Score returns the number of distinct indicators present across the given
// user turns. Each indicator counts at most once regardless of repetition,
// so the signal reflects variety of construction rather than verbosity.
func (d *Detector) Score(turns []types.Turn) int {
	if d == nil || len(turns) == 0 {
		return 0
	}
	var b strings.Builder
	for _, t := range turns {
		if t.Speaker != types.SpeakerUser {
			continue
		}
		b.WriteString(strings.ToLower(t.Text))
		b.WriteByte('\n')
	}
	return d.ScoreText(b.String())
}

// ScoreText counts distinct indicator matches in already-lowercased or
// mixed-case raw text.
func (d *Detector) ScoreText(text string) int {
	if d == nil || text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	score := 0
	for _, in := range d.indicators {
		if strings.Contains(lower, in) {
			score++
		}
	}
	return score
}
