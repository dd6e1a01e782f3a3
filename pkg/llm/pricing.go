package llm

// price is USD per one million tokens.
type price struct {
	Input  float64
	Output float64
}

// priceTable holds per-model prices, keyed by provider then model. Unknown
// models fall back to the provider's "" entry; unknown providers cost zero.
var priceTable = map[string]map[string]price{
	"anthropic": {
		"claude-sonnet-4-5":  {Input: 3.00, Output: 15.00},
		"claude-haiku-4-5":   {Input: 1.00, Output: 5.00},
		"claude-opus-4-1":    {Input: 15.00, Output: 75.00},
		"":                   {Input: 3.00, Output: 15.00},
	},
	"openai": {
		"gpt-4o":      {Input: 2.50, Output: 10.00},
		"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		"gpt-4.1":     {Input: 2.00, Output: 8.00},
		"":            {Input: 2.50, Output: 10.00},
	},
	"mock": {
		"": {Input: 0, Output: 0},
	},
}

// Cost computes the USD cost of one completion.
func Cost(provider, model string, inputTokens, outputTokens int) float64 {
	models, ok := priceTable[provider]
	if !ok {
		return 0
	}
	p, ok := models[model]
	if !ok {
		p = models[""]
	}
	return float64(inputTokens)/1e6*p.Input + float64(outputTokens)/1e6*p.Output
}
