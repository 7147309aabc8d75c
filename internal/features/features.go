// Package features assembles the classifier feature vector from modality signals.
package features

import (
	"math"
	"strings"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// UnverifiableAmountPenalty is the amount-deviation feature used when no
// usable bill total was extracted.
const UnverifiableAmountPenalty = 0.5

// MedicalKeywords are the domain terms counted by the medical-context feature.
var MedicalKeywords = []string{"diagnosis", "patient", "hospital", "treatment", "surgery", "fever", "dengue"}

// SuspiciousKeywords indicate template or test documents.
var SuspiciousKeywords = []string{"edited", "sample", "template", "test"}

// Build derives the fixed-order feature vector. It never fails: missing or
// unusable data maps to documented defaults.
func Build(s domain.ModalitySignals) domain.FeatureVector {
	var v domain.FeatureVector
	v[domain.FeatureTamperScore] = s.TamperScore
	if s.MetadataSuspicious {
		v[domain.FeatureMetadataSuspicious] = 1.0
	}
	v[domain.FeatureAmountDeviation] = AmountDeviation(s.ClaimedAmount, s.Fields)
	v[domain.FeatureMedicalKeywordCount] = float64(KeywordCount(s.MedicalKeywords))
	return v
}

// AmountDeviation is |claimed/extracted - 1|, or the penalty when the total is unusable.
func AmountDeviation(claimed float64, fields domain.ExtractedFields) float64 {
	total, ok := fields.Total()
	if !ok {
		return UnverifiableAmountPenalty
	}
	dev := math.Abs(claimed/total - 1)
	if math.IsNaN(dev) || math.IsInf(dev, 0) {
		return UnverifiableAmountPenalty
	}
	return dev
}

// KeywordCount counts distinct non-blank keywords, ignoring case and
// surrounding space. Rules and the feature vector both count this way.
func KeywordCount(words []string) int {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}

// Context is the keyword scan of a bill's extracted text.
type Context struct {
	Medical       []string `json:"medical"`
	Suspicious    []string `json:"suspicious"`
	IsMedicalBill bool     `json:"isMedicalBill"`
}

// MedicalContext scans OCR text for medical and suspicious keywords.
// Matching is case-insensitive substring matching; results follow keyword-list order.
func MedicalContext(text string) Context {
	lower := strings.ToLower(text)
	ctx := Context{
		Medical:    matchAll(lower, MedicalKeywords),
		Suspicious: matchAll(lower, SuspiciousKeywords),
	}
	ctx.IsMedicalBill = len(ctx.Medical) > 0
	return ctx
}

func matchAll(text string, keywords []string) []string {
	var found []string
	for _, k := range keywords {
		if strings.Contains(text, k) {
			found = append(found, k)
		}
	}
	return found
}
