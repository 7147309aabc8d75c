// Package domain defines the core interfaces and types for Sentinel.
package domain

import (
	"math"
	"strings"
	"time"
)

// ClaimStatus tracks a claim through intake and review.
type ClaimStatus string

const (
	ClaimProcessing ClaimStatus = "processing"
	ClaimCompleted  ClaimStatus = "completed"
	ClaimFailed     ClaimStatus = "failed"
	ClaimReviewed   ClaimStatus = "reviewed"
)

// Claim is a single reimbursement request with its supporting bill image.
type Claim struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenantId"`
	ClaimantID      string      `json:"claimantId"`
	Filename        string      `json:"filename"`
	ClaimedAmount   float64     `json:"claimedAmount"`
	Description     string      `json:"description,omitempty"`
	Status          ClaimStatus `json:"status"`
	OfficerDecision string      `json:"officerDecision,omitempty"`
	OfficerComments string      `json:"officerComments,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ClaimRecord pairs a claim with its latest assessment, if any.
type ClaimRecord struct {
	Claim      *Claim      `json:"claim"`
	Assessment *Assessment `json:"assessment,omitempty"`
}

// ExtractedFields are the structured values read off the bill by upstream OCR.
type ExtractedFields struct {
	// TotalAmount is absent when OCR could not find a total.
	TotalAmount  *float64  `json:"totalAmount,omitempty" validate:"omitempty,gte=0"`
	Date         string    `json:"date,omitempty"`
	InvoiceNo    string    `json:"invoiceNo,omitempty"`
	GSTNo        string    `json:"gstNo,omitempty"`
	HospitalName string    `json:"hospitalName,omitempty"`
	LineAmounts  []float64 `json:"lineAmounts,omitempty"`
}

// Total returns the extracted total when one is usable.
// Zero or negative totals are treated as absent.
func (f ExtractedFields) Total() (float64, bool) {
	if f.TotalAmount == nil {
		return 0, false
	}
	v := *f.TotalAmount
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// HasDate reports whether OCR found a bill date.
func (f ExtractedFields) HasDate() bool {
	return strings.TrimSpace(f.Date) != ""
}

// Amounts returns every monetary value available for digit analysis:
// line amounts first, then the total when present.
func (f ExtractedFields) Amounts() []float64 {
	out := make([]float64, 0, len(f.LineAmounts)+1)
	out = append(out, f.LineAmounts...)
	if total, ok := f.Total(); ok {
		out = append(out, total)
	}
	return out
}

// ModalitySignals is the per-claim bundle produced by the upstream
// vision, metadata, OCR and NLP analyzers.
type ModalitySignals struct {
	TamperScore        float64         `json:"tamperScore" validate:"gte=0,lte=1"`
	MetadataSuspicious bool            `json:"metadataSuspicious"`
	Software           string          `json:"software,omitempty"`
	Fields             ExtractedFields `json:"fields"`
	MedicalKeywords    []string        `json:"medicalKeywords,omitempty"`
	SuspiciousKeywords []string        `json:"suspiciousKeywords,omitempty"`
	ClaimedAmount      float64         `json:"claimedAmount" validate:"gt=0"`
}

// Feature vector positions.
const (
	FeatureTamperScore = iota
	FeatureMetadataSuspicious
	FeatureAmountDeviation
	FeatureMedicalKeywordCount
	FeatureCount
)

// FeatureVector is the fixed-order numeric input to the classifier.
type FeatureVector [FeatureCount]float64

// Slice returns the vector as a slice in canonical order.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, v[:])
	return out
}

// DuplicateVerdict is the outcome of a near-duplicate lookup.
type DuplicateVerdict struct {
	IsDuplicate     bool   `json:"isDuplicate"`
	OriginalClaimID string `json:"originalClaimId,omitempty"`
	Distance        int    `json:"distance"`
	Message         string `json:"message"`
}

// HeuristicResult is the rule-of-thumb score before fusion.
type HeuristicResult struct {
	Score float64  `json:"score"`
	Flags []string `json:"flags"`
}

// RiskLabel is the three-way bucket of a fused score.
type RiskLabel string

const (
	RiskHigh   RiskLabel = "High"
	RiskMedium RiskLabel = "Medium"
	RiskLow    RiskLabel = "Low"
)

// FusionResult is the final score with its label and contributing flags.
type FusionResult struct {
	Score      float64   `json:"score"`
	Label      RiskLabel `json:"label"`
	Flags      []string  `json:"flags"`
	Overridden bool      `json:"overridden"`
}

// Flag text shared between fusion and the explanation layer.
const (
	FlagDuplicateBill  = "Duplicate Bill Detected"
	FlagTamperPrefix   = "High Image Manipulation Detected"
	FlagAmountMismatch = "Amount Mismatch"
)

// Assessment is the persisted verdict for one claim.
type Assessment struct {
	ID                    string             `json:"id"`
	ClaimID               string             `json:"claimId"`
	TenantID              string             `json:"tenantId"`
	Score                 float64            `json:"score"`
	Label                 RiskLabel          `json:"label"`
	HeuristicScore        float64            `json:"heuristicScore"`
	ClassifierProbability float64            `json:"classifierProbability"`
	TamperScore           float64            `json:"tamperScore"`
	Features              FeatureVector      `json:"features"`
	Duplicate             DuplicateVerdict   `json:"duplicate"`
	Flags                 []string           `json:"flags"`
	RuleFlags             []string           `json:"ruleFlags"`
	RuleResults           []RuleResult       `json:"ruleResults,omitempty"`
	BenfordScore          float64            `json:"benfordScore"`
	Explanation           string             `json:"explanation"`
	Metadata              AssessmentMetadata `json:"metadata"`
	Timestamp             time.Time          `json:"timestamp"`
}

// Reasons returns fusion flags followed by rule flags.
func (a *Assessment) Reasons() []string {
	out := make([]string, 0, len(a.Flags)+len(a.RuleFlags))
	out = append(out, a.Flags...)
	return append(out, a.RuleFlags...)
}

// AssessmentMetadata contains processing details.
type AssessmentMetadata struct {
	TraceID       string `json:"traceId"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}
