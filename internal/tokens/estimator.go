// Package tokens provides rough token-count estimation for cost and cache
// accounting. The estimate is deliberately approximate: a real tokenizer
// would add a dependency and latency for numbers that only feed heuristics
// and savings estimates, never billing.
package tokens

// CharsPerToken is the assumed average character count per token.
// Roughly accurate for English prose across the supported providers.
const CharsPerToken = 4

// Estimate returns the approximate token count for the given text,
// computed as ceil(len(text) / CharsPerToken).
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateAll returns the approximate token count for multiple texts.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
