package tokenizer

// CapMaxTokens returns a safe max_tokens value that won't push a request
// past the model's context window, applying the given safety margin to
// the estimated input size.
func CapMaxTokens(requestedMax, contextWindow, estimatedInput int, safetyMultiplier float64, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax
	}

	safeInput := int(float64(estimatedInput) * safetyMultiplier)
	available := contextWindow - safeInput - buffer
	if available < 100 {
		available = 100
	}

	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}
