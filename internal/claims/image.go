package claims

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// MaxImagePixels bounds decoded bill images.
const MaxImagePixels = 40_000_000

// DecodeImage decodes an uploaded bill in any registered format:
// JPEG, PNG, GIF, BMP, TIFF or WebP.
func DecodeImage(claimID string, data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", imageError(claimID, errors.New("empty upload"))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", imageError(claimID, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxImagePixels {
		return nil, "", imageError(claimID, fmt.Errorf("unsupported dimensions %dx%d", cfg.Width, cfg.Height))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", imageError(claimID, err)
	}
	return img, format, nil
}

func imageError(claimID string, err error) error {
	return &domain.InputValidationError{ClaimID: claimID, Stage: domain.StageValidate, Field: "image", Err: err}
}
