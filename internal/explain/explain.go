// Package explain renders the audit narrative for an assessed claim.
package explain

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/fusion"
)

const (
	criticalTemplate = "CRITICAL ALERT: High probability of fraud (%.2f). System detected %d anomalies: %s."
	genuineText      = "Document appears genuine. Minor anomalies found but within acceptable range."
	visualConcern    = " Primary concern is visual manipulation."
)

// Report is the structured form of an explanation.
type Report struct {
	ClaimID        string           `json:"claimId"`
	FraudScore     float64          `json:"fraudScore"`
	Label          domain.RiskLabel `json:"label"`
	PrimaryReasons []string         `json:"primaryReasons"`
	Summary        string           `json:"summary"`
}

// Compose renders the narrative. Reasons are the fusion flags followed by
// the rule flags, in the order given.
func Compose(result domain.FusionResult, ruleFlags []string) string {
	reasons := Reasons(result, ruleFlags)

	if result.Score > fusion.HighRiskThreshold {
		var sb strings.Builder
		fmt.Fprintf(&sb, criticalTemplate, result.Score, len(reasons), strings.Join(reasons, "; "))
		if hasVisualFlag(reasons) {
			sb.WriteString(visualConcern)
		}
		return sb.String()
	}

	if len(reasons) == 0 {
		return genuineText
	}
	return genuineText + " Noted: " + strings.Join(reasons, "; ") + "."
}

// NewReport builds the structured explanation for a claim.
func NewReport(claimID string, result domain.FusionResult, ruleFlags []string) Report {
	return Report{
		ClaimID:        claimID,
		FraudScore:     result.Score,
		Label:          result.Label,
		PrimaryReasons: Reasons(result, ruleFlags),
		Summary:        Compose(result, ruleFlags),
	}
}

// Reasons concatenates fusion flags and rule flags without reordering.
func Reasons(result domain.FusionResult, ruleFlags []string) []string {
	out := make([]string, 0, len(result.Flags)+len(ruleFlags))
	out = append(out, result.Flags...)
	return append(out, ruleFlags...)
}

func hasVisualFlag(reasons []string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, domain.FlagTamperPrefix) {
			return true
		}
	}
	return false
}
