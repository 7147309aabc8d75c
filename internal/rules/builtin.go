package rules

import "github.com/opensource-finance/sentinel/internal/domain"

// Built-in rule IDs, in evaluation order.
const (
	RuleAmountConsistency = "amount-consistency"
	RuleMissingDate       = "missing-date"
	RuleHighValue         = "high-value-ai"
	RuleBenford           = "benford-digit-distribution"
	RuleTemplateKeywords  = "template-keywords"
)

// Built-in flag text.
const (
	FlagAmountConsistency = "Claim Amount does not match Bill Total"
	FlagMissingDate       = "No Date Found on Bill"
	FlagHighValue         = "High Value Claim flagged by AI"
	FlagBenford           = "Digit Distribution Anomaly (Benford's Law)"
	FlagTemplateKeywords  = "Template/Test Keywords Present"
)

// BuiltinRules returns the fixed claim rules. Thresholds are bound as CEL
// variables from Settings so the expressions stay constant.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          RuleAmountConsistency,
			Name:        "Amount consistency",
			Description: "Extracted bill total differs from the claimed amount beyond tolerance",
			Version:     "builtin",
			Expression:  "has_extracted_amount && amount_delta > amount_tolerance",
			Flag:        FlagAmountConsistency,
			Enabled:     true,
		},
		{
			ID:          RuleMissingDate,
			Name:        "Missing date",
			Description: "No bill date was extracted",
			Version:     "builtin",
			Expression:  "!has_date",
			Flag:        FlagMissingDate,
			Enabled:     true,
		},
		{
			ID:          RuleHighValue,
			Name:        "High value without support",
			Description: "High-value claim that the classifier also considers likely fraudulent",
			Version:     "builtin",
			Expression:  "claimed_amount > high_value_threshold && classifier_probability > probability_threshold",
			Flag:        FlagHighValue,
			Enabled:     true,
		},
		{
			ID:          RuleBenford,
			Name:        "Benford leading digit",
			Description: "Leading digit 1 is too rare among the bill amounts",
			Version:     "builtin",
			Expression:  "benford_score >= benford_anomaly_score",
			Flag:        FlagBenford,
			Enabled:     true,
		},
		{
			ID:          RuleTemplateKeywords,
			Name:        "Template keywords",
			Description: "Bill text contains template or test wording",
			Version:     "builtin",
			Expression:  "suspicious_keyword_count > 0",
			Flag:        FlagTemplateKeywords,
			Enabled:     true,
		},
	}
}

func isBuiltin(id string) bool {
	for _, r := range BuiltinRules() {
		if r.ID == id {
			return true
		}
	}
	return false
}
