package domain

// RuleConfig defines an operator-authored business rule.
// Expression is CEL and must evaluate to bool, int or double.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Expression  string `json:"expression" validate:"required"`

	// Flag is the human-readable text reported when the rule fires.
	Flag string `json:"flag" validate:"required"`

	Enabled bool `json:"enabled"`
}

// RuleResult is the output of one rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Flag      string  `json:"flag,omitempty"`
	Outcome   string  `json:"outcome"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason,omitempty"`
	ProcessMs int64   `json:"processMs"`
}

// Rule outcomes
const (
	RuleOutcomePass  = ".pass"
	RuleOutcomeFired = ".fired"
	RuleOutcomeError = ".err"
)

// RuleReport is the ordered output of a full rule pass.
type RuleReport struct {
	Flags        []string     `json:"flags"`
	Results      []RuleResult `json:"results"`
	BenfordScore float64      `json:"benfordScore"`
}
