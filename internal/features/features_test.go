package features

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		signals domain.ModalitySignals
		want    domain.FeatureVector
	}{
		{
			name: "all signals present",
			signals: domain.ModalitySignals{
				TamperScore:        0.8,
				MetadataSuspicious: true,
				ClaimedAmount:      150000,
				Fields:             domain.ExtractedFields{TotalAmount: ptr(100000)},
				MedicalKeywords:    []string{"patient", "hospital", "fever"},
			},
			want: domain.FeatureVector{0.8, 1.0, 0.5, 3},
		},
		{
			name: "missing total uses penalty",
			signals: domain.ModalitySignals{
				TamperScore:   0.1,
				ClaimedAmount: 500,
			},
			want: domain.FeatureVector{0.1, 0, UnverifiableAmountPenalty, 0},
		},
		{
			name: "zero total is unverifiable",
			signals: domain.ModalitySignals{
				ClaimedAmount: 500,
				Fields:        domain.ExtractedFields{TotalAmount: ptr(0)},
			},
			want: domain.FeatureVector{0, 0, UnverifiableAmountPenalty, 0},
		},
		{
			name: "under-claim deviation is absolute",
			signals: domain.ModalitySignals{
				ClaimedAmount: 750,
				Fields:        domain.ExtractedFields{TotalAmount: ptr(1000)},
			},
			want: domain.FeatureVector{0, 0, 0.25, 0},
		},
		{
			name: "duplicate keywords counted once",
			signals: domain.ModalitySignals{
				ClaimedAmount:   100,
				Fields:          domain.ExtractedFields{TotalAmount: ptr(100)},
				MedicalKeywords: []string{"Patient", "patient ", "surgery", ""},
			},
			want: domain.FeatureVector{0, 0, 0, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Build(tt.signals)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-12, "feature %d", i)
			}
		})
	}
}

func TestBuildOrderIsStable(t *testing.T) {
	v := Build(domain.ModalitySignals{TamperScore: 0.3, MetadataSuspicious: true, ClaimedAmount: 10})
	assert.Equal(t, []float64{0.3, 1.0, UnverifiableAmountPenalty, 0}, v.Slice())
}

func TestMedicalContext(t *testing.T) {
	ctx := MedicalContext("City HOSPITAL\nPatient: R. Kumar\nDiagnosis: Dengue fever\nSAMPLE")
	assert.Equal(t, []string{"diagnosis", "patient", "hospital", "fever", "dengue"}, ctx.Medical)
	assert.Equal(t, []string{"sample"}, ctx.Suspicious)
	assert.True(t, ctx.IsMedicalBill)

	empty := MedicalContext("grocery receipt")
	assert.Empty(t, empty.Medical)
	assert.False(t, empty.IsMedicalBill)
}
