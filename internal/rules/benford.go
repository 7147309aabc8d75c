package rules

import (
	"math"

	"github.com/shopspring/decimal"
)

// Benford test constants.
const (
	BenfordMinSamples   = 5
	BenfordLowFrequency = 0.15
	BenfordAnomaly      = 0.8
	BenfordNormal       = 0.1
	BenfordInconclusive = 0.0
)

// BenfordResult carries the score with the data behind it.
type BenfordResult struct {
	Score          float64 `json:"score"`
	Samples        int     `json:"samples"`
	LeadingOneFreq float64 `json:"leadingOneFreq"`
}

// Benford scores how synthetic a set of amounts looks from the frequency of
// leading digit 1. Only positive finite values are counted, and minSamples
// applies to that filtered count rather than len(values): a set padded with
// zeros, negatives or NaN is inconclusive even when len(values) reaches
// minSamples. A non-positive minSamples means BenfordMinSamples.
func Benford(values []float64, minSamples int) BenfordResult {
	if minSamples <= 0 {
		minSamples = BenfordMinSamples
	}

	var samples, ones int
	for _, v := range values {
		d, ok := LeadingDigit(v)
		if !ok {
			continue
		}
		samples++
		if d == 1 {
			ones++
		}
	}

	if samples < minSamples {
		return BenfordResult{Score: BenfordInconclusive, Samples: samples}
	}

	freq := float64(ones) / float64(samples)
	score := BenfordNormal
	if freq < BenfordLowFrequency {
		score = BenfordAnomaly
	}
	return BenfordResult{Score: score, Samples: samples, LeadingOneFreq: freq}
}

// LeadingDigit returns the first significant decimal digit of v.
// 0.047 yields 4; non-positive and non-finite values yield false.
func LeadingDigit(v float64) (int, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	for _, r := range decimal.NewFromFloat(v).String() {
		if r >= '1' && r <= '9' {
			return int(r - '0'), true
		}
	}
	return 0, false
}
