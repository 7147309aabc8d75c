// Package forensics inspects document metadata for signs of editing.
package forensics

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// UnknownSoftware is reported when no Software tag was present.
const UnknownSoftware = "Unknown"

// DefaultSignatures are editor names matched case-insensitively against the
// image Software tag.
var DefaultSignatures = []string{"Adobe", "Photoshop", "GIMP", "Editor", "Canva", "Picasa", "Paint"}

// SoftwareInspector flags images whose Software tag names an image editor.
type SoftwareInspector struct {
	signatures []string
}

// NewSoftwareInspector returns an inspector. With no signatures the defaults apply.
func NewSoftwareInspector(signatures ...string) *SoftwareInspector {
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	lowered := make([]string, 0, len(signatures))
	for _, s := range signatures {
		if s = strings.TrimSpace(s); s != "" {
			lowered = append(lowered, strings.ToLower(s))
		}
	}
	return &SoftwareInspector{signatures: lowered}
}

// Inspect reports whether software matches an editor signature.
func (i *SoftwareInspector) Inspect(ctx context.Context, software string) domain.MetadataReport {
	software = strings.TrimSpace(software)
	if software == "" {
		return domain.MetadataReport{Software: UnknownSoftware}
	}

	report := domain.MetadataReport{Software: software}
	lower := strings.ToLower(software)
	for _, sig := range i.signatures {
		if strings.Contains(lower, sig) {
			report.IsSuspicious = true
			report.Flags = []string{fmt.Sprintf("Edited with %s", software)}
			break
		}
	}
	return report
}

var _ domain.MetadataInspector = (*SoftwareInspector)(nil)
