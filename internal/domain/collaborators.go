package domain

import "context"

// Classifier produces a fraud probability in [0,1] from a feature vector.
type Classifier interface {
	Predict(ctx context.Context, features FeatureVector) (float64, error)
	Name() string
}

// MetadataReport is the verdict of an image-metadata inspection.
type MetadataReport struct {
	Software     string   `json:"software,omitempty"`
	IsSuspicious bool     `json:"isSuspicious"`
	Flags        []string `json:"flags,omitempty"`
}

// MetadataInspector decides whether editing-software metadata is suspicious.
type MetadataInspector interface {
	Inspect(ctx context.Context, software string) MetadataReport
}
