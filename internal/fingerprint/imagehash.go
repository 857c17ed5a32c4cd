package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageHashes are 64-bit perceptual hashes rendered as 16 hex digits.
type ImageHashes struct {
	AHash string
	PHash string
	DHash string
}

// DecodeImage sniffs and decodes png, jpeg, gif, bmp or webp.
func DecodeImage(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// PerceptualHash returns the pHash of img.
func PerceptualHash(img image.Image) (string, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("failed to compute phash: %w", err)
	}
	return hexHash(h), nil
}

// HashImage computes average, perceptual and difference hashes.
func HashImage(img image.Image) (ImageHashes, error) {
	a, err := goimagehash.AverageHash(img)
	if err != nil {
		return ImageHashes{}, fmt.Errorf("failed to compute ahash: %w", err)
	}
	p, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return ImageHashes{}, fmt.Errorf("failed to compute phash: %w", err)
	}
	d, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return ImageHashes{}, fmt.Errorf("failed to compute dhash: %w", err)
	}
	return ImageHashes{AHash: hexHash(a), PHash: hexHash(p), DHash: hexHash(d)}, nil
}

func hexHash(h *goimagehash.ImageHash) string {
	return fmt.Sprintf("%016x", h.GetHash())
}
