package quotaplane

import "math"

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token + a small request overhead.
func EstimateTokens(prompt string) int64 {
	return int64(len(prompt))/4 + 3
}

type modelCost struct {
	inputCentsPer1K  float64
	outputCentsPer1K float64
}

// Pricing in cents per 1K tokens. Unknown models fall back to
// defaultModelCost; exact billing reconciliation is the admin plane's
// concern, this table only has to keep budget debits in the right ballpark.
var modelCosts = map[string]modelCost{
	"gpt-4o":           {inputCentsPer1K: 0.25, outputCentsPer1K: 1.0},
	"gpt-4o-mini":      {inputCentsPer1K: 0.015, outputCentsPer1K: 0.06},
	"claude-sonnet":    {inputCentsPer1K: 0.3, outputCentsPer1K: 1.5},
	"claude-haiku":     {inputCentsPer1K: 0.08, outputCentsPer1K: 0.4},
	"gemini-2.0-flash": {inputCentsPer1K: 0.01, outputCentsPer1K: 0.04},
	"llama-3.3-70b":    {inputCentsPer1K: 0.059, outputCentsPer1K: 0.079},
	"deepseek-chat":    {inputCentsPer1K: 0.027, outputCentsPer1K: 0.11},
	"mistral-large":    {inputCentsPer1K: 0.2, outputCentsPer1K: 0.6},
}

var defaultModelCost = modelCost{inputCentsPer1K: 0.1, outputCentsPer1K: 0.3}

// EstimatedCostCents computes the budget cost of a request in whole cents,
// rounded up so repeated small requests cannot ride below the budget for
// free.
func EstimatedCostCents(model string, inputTokens, outputTokens int64) int64 {
	mc, ok := modelCosts[model]
	if !ok {
		mc = defaultModelCost
	}
	cents := float64(inputTokens)/1000*mc.inputCentsPer1K +
		float64(outputTokens)/1000*mc.outputCentsPer1K
	if cents <= 0 {
		return 0
	}
	return int64(math.Ceil(cents))
}
