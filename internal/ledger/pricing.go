package ledger

import (
	"bursar/pkg/config"
)

// ConsumptionKind identifies what a consumption item was charged for.
type ConsumptionKind string

const (
	KindToolCall    ConsumptionKind = "tool_call"
	KindInputToken  ConsumptionKind = "input_token"
	KindOutputToken ConsumptionKind = "output_token"
)

// ConsumptionItem is the priced cost of one usage dimension.
type ConsumptionItem struct {
	Kind        ConsumptionKind `json:"kind"`
	Units       int64           `json:"units"`
	AmountCents int64           `json:"amount_cents"`
}

// Consumption is the priced cost of a usage event. It is ephemeral: it is
// computed per deduction request and never persisted on its own.
type Consumption struct {
	Items      []ConsumptionItem `json:"items"`
	TotalCents int64             `json:"total_cents"`
}

// Pricer converts raw usage counters into integer cents. All arithmetic is
// integer; money is never represented as floating point.
type Pricer struct {
	ToolCallCents         int64
	InputPerMillionCents  int64
	OutputPerMillionCents int64
}

// Default prices, overridable via environment.
const (
	defaultToolCallCents         = 1
	defaultInputPerMillionCents  = 300
	defaultOutputPerMillionCents = 1500
)

// NewPricerFromEnv builds a Pricer from environment configuration.
func NewPricerFromEnv() *Pricer {
	return &Pricer{
		ToolCallCents:         config.GetEnvInt64("PRICE_PER_TOOL_CALL_CENTS", defaultToolCallCents),
		InputPerMillionCents:  config.GetEnvInt64("PRICE_PER_MILLION_INPUT_CENTS", defaultInputPerMillionCents),
		OutputPerMillionCents: config.GetEnvInt64("PRICE_PER_MILLION_OUTPUT_CENTS", defaultOutputPerMillionCents),
	}
}

// PriceUsage prices a usage event. Negative counters are treated as zero.
// Token costs are rounded to the nearest cent with a floor of one cent
// whenever any tokens of that kind were consumed, so usage never rounds
// down to free.
func (p *Pricer) PriceUsage(toolCalls, inputTokens, outputTokens int64) Consumption {
	if toolCalls < 0 {
		toolCalls = 0
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	items := []ConsumptionItem{
		{Kind: KindToolCall, Units: toolCalls, AmountCents: toolCalls * p.ToolCallCents},
		{Kind: KindInputToken, Units: inputTokens, AmountCents: tokenCostCents(inputTokens, p.InputPerMillionCents)},
		{Kind: KindOutputToken, Units: outputTokens, AmountCents: tokenCostCents(outputTokens, p.OutputPerMillionCents)},
	}

	var total int64
	for _, item := range items {
		total += item.AmountCents
	}

	return Consumption{Items: items, TotalCents: total}
}

// tokenCostCents computes round-nearest(tokens * perMillionCents / 1e6)
// using integer arithmetic, floored to 1 cent for any non-zero token count.
func tokenCostCents(tokens, perMillionCents int64) int64 {
	if tokens <= 0 {
		return 0
	}
	cost := (tokens*perMillionCents + 500_000) / 1_000_000
	if cost < 1 {
		cost = 1
	}
	return cost
}
