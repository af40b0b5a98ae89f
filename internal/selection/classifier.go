package selection

import "strings"

// Scoring weights and verdict boundaries for the three-factor score.
const (
	scorePartial  = 1
	scoreFull     = 2
	mediumVerdict = 2
	highVerdict   = 4
)

// Classifier scores request difficulty from text features: query length,
// domain-term density, and cross-reference density. Some task types are
// pinned to a fixed verdict regardless of content.
type Classifier struct {
	config *Config
}

// NewClassifier creates a Classifier reading the given config.
func NewClassifier(cfg *Config) *Classifier {
	return &Classifier{config: cfg}
}

// Classify returns the complexity verdict for text under taskType.
func (c *Classifier) Classify(text string, taskType TaskType) Complexity {
	snap := c.config.snapshot()

	if pinned, ok := snap.pinned[taskType]; ok {
		return pinned
	}

	lower := strings.ToLower(text)
	score := lengthScore(len(text), snap.queryLength)
	score += termScore(lower, snap.industryVocab, snap.industryTerms)
	score += crossRefScore(lower, snap.crossRefVocab, snap.crossRefsHigh)

	switch {
	case score >= highVerdict:
		return ComplexityHigh
	case score >= mediumVerdict:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func lengthScore(length int, t LengthThresholds) int {
	switch {
	case length >= t.High:
		return scoreFull
	case length >= t.Medium:
		return scorePartial
	default:
		return 0
	}
}

func termScore(text string, vocab []string, t TermThresholds) int {
	count := countOccurrences(text, vocab, t.High)
	switch {
	case count >= t.High:
		return scoreFull
	case count >= t.Medium:
		return scorePartial
	default:
		return 0
	}
}

func crossRefScore(text string, vocab []string, threshold int) int {
	if countOccurrences(text, vocab, threshold) >= threshold {
		return scoreFull
	}
	return 0
}
