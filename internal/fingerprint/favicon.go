package fingerprint

import (
	"encoding/base64"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

var dataURIRE = regexp.MustCompile(`(?is)^data:image/[^;]+;base64,(.+)$`)

// ErrNotDataURI is returned for hrefs that are not base64 image data URIs.
var ErrNotDataURI = errors.New("not an image data uri")

// Favicon is the outcome of hashing a favicon. Hash is the signed 32-bit
// murmur3 of the raw bytes (the form search engines index); PHash is empty when
// the bytes are not a decodable image.
type Favicon struct {
	Hash  string
	PHash string
	Err   error
}

// HashPtr returns nil when no hash was produced.
func (f Favicon) HashPtr() *string {
	if f.Hash == "" {
		return nil
	}
	v := f.Hash
	return &v
}

// IsDataURI reports whether href embeds the icon inline.
func IsDataURI(href string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "data:image")
}

// FaviconFromDataURI decodes an inline favicon and hashes it.
func FaviconFromDataURI(uri string) Favicon {
	m := dataURIRE.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return Favicon{Err: ErrNotDataURI}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m[1]))
	if err != nil {
		return Favicon{Err: err}
	}
	return FaviconFromBytes(raw)
}

// FaviconFromBytes hashes raw icon bytes.
func FaviconFromBytes(raw []byte) Favicon {
	if len(raw) == 0 {
		return Favicon{Err: ErrNoAnswer}
	}
	fav := Favicon{Hash: MMH3(raw)}
	img, err := DecodeImage(raw)
	if err != nil {
		fav.Err = err
		return fav
	}
	if fav.PHash, err = PerceptualHash(img); err != nil {
		fav.Err = err
	}
	return fav
}

// MMH3 is murmur3 x86_32 with seed 0, rendered as a signed decimal.
func MMH3(raw []byte) string {
	return strconv.FormatInt(int64(int32(murmur3.Sum32(raw))), 10)
}
