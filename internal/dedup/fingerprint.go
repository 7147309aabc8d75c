// Package dedup detects reused bill images with a perceptual-hash index.
package dedup

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// Fingerprint is a 64-bit perceptual hash of a bill image.
type Fingerprint struct {
	hash *goimagehash.ImageHash
}

// Hasher turns an image into a fingerprint.
type Hasher func(img image.Image) (Fingerprint, error)

// PerceptualHash is the default Hasher: DCT-based pHash, so visually
// similar images (rescaled, recompressed, lightly edited) land within a few
// bits of each other.
func PerceptualHash(img image.Image) (Fingerprint, error) {
	if img == nil {
		return Fingerprint{}, fmt.Errorf("image is nil")
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("perceptual hash: %w", err)
	}
	return Fingerprint{hash: h}, nil
}

// NewFingerprint builds a pHash fingerprint from raw bits.
func NewFingerprint(bits uint64) Fingerprint {
	return Fingerprint{hash: goimagehash.NewImageHash(bits, goimagehash.PHash)}
}

// ParseFingerprint reads the String form back.
func ParseFingerprint(s string) (Fingerprint, error) {
	h, err := goimagehash.ImageHashFromString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("parse fingerprint %q: %w", s, err)
	}
	return Fingerprint{hash: h}, nil
}

// String encodes the fingerprint with its algorithm kind, e.g. "p:8f3c...".
func (f Fingerprint) String() string {
	if f.hash == nil {
		return ""
	}
	return f.hash.ToString()
}

// Bits returns the raw 64-bit hash.
func (f Fingerprint) Bits() uint64 {
	if f.hash == nil {
		return 0
	}
	return f.hash.GetHash()
}

// Distance is the Hamming distance between two fingerprints of the same kind.
func (f Fingerprint) Distance(other Fingerprint) (int, error) {
	if f.hash == nil || other.hash == nil {
		return 0, fmt.Errorf("empty fingerprint")
	}
	return f.hash.Distance(other.hash)
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool { return f.hash == nil }
