package llm

// CharsPerToken is the rough characters-per-token ratio used for budgeting.
const CharsPerToken = 4

// EstimateTokens approximates the token count of text as ceil(len/4).
// It is monotonic in len(text) and zero only for the empty string.
func EstimateTokens(text string) int {
	return EstimateTokensForLen(len(text))
}

// EstimateTokensForLen is EstimateTokens for a known byte length.
func EstimateTokensForLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}
