// Package billing implements credit accounting: the two-phase
// authorize/settle protocol, top-ups and trial grants, usage pricing, and
// expiry of abandoned reservations.
package billing

const (
	// DefaultRunBudget is the reservation size when the caller does not
	// estimate a run's cost. Overridable per deployment via
	// WithRunBudget.
	DefaultRunBudget = 10

	// TrialCredits is the balance granted to a newly bootstrapped
	// workspace wallet. Overridable per deployment via
	// WithTrialCredits.
	TrialCredits = 100
)

// Price converts a usage report into whole credits:
//
//	llm_tokens_in   1 credit per 1000 (floor)
//	llm_tokens_out  2 credits per 1000 (floor)
//	tool_calls      1 credit each
//	requests        1 credit each
//	rag_queries     1 credit per 10 (floor)
//
// Unknown keys are ignored. Every metered run costs at least 1 credit,
// including an empty report.
func Price(usage map[string]int64) int64 {
	total := nn(usage["llm_tokens_in"])/1000 +
		nn(usage["llm_tokens_out"])*2/1000 +
		nn(usage["tool_calls"]) +
		nn(usage["requests"]) +
		nn(usage["rag_queries"])/10
	if total < 1 {
		return 1
	}
	return total
}

func nn(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
