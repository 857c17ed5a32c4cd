// internal/safefetch/decode.go
package safefetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// Pools for decompression readers. Scans fetch dozens of small assets each, so
// reuse pays off.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

var emptyReader = strings.NewReader("")

// ErrUnsupportedEncoding is returned for a Content-Encoding layer we cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// decodeBody undoes each Content-Encoding layer (listed in application order,
// so they are peeled in reverse) and reads at most limit decoded bytes. The
// second return reports whether the body was truncated.
func decodeBody(body io.Reader, encodings []string, limit int64) ([]byte, bool, error) {
	r := body
	var release []func()
	defer func() {
		for _, fn := range release {
			fn()
		}
	}()

	for i := len(encodings) - 1; i >= 0; i-- {
		for _, layer := range strings.Split(encodings[i], ",") {
			enc := strings.ToLower(strings.TrimSpace(layer))
			switch enc {
			case "", "identity":
				continue
			case "gzip", "x-gzip":
				zr := gzipReaderPool.Get().(*gzip.Reader)
				if err := zr.Reset(r); err != nil {
					gzipReaderPool.Put(zr)
					return nil, false, fmt.Errorf("gzip initialization error: %w", err)
				}
				release = append(release, func() {
					_ = zr.Reset(emptyReader)
					gzipReaderPool.Put(zr)
				})
				r = zr
			case "deflate":
				dr, err := tryDeflate(r)
				if err != nil {
					return nil, false, fmt.Errorf("deflate initialization error: %w", err)
				}
				release = append(release, func() { _ = dr.Close() })
				r = dr
			case "br":
				br := brotliReaderPool.Get().(*brotli.Reader)
				if err := br.Reset(r); err != nil {
					brotliReaderPool.Put(br)
					return nil, false, fmt.Errorf("brotli initialization error: %w", err)
				}
				release = append(release, func() {
					_ = br.Reset(emptyReader)
					brotliReaderPool.Put(br)
				})
				r = br
			default:
				return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
			}
		}
	}

	return readCapped(r, limit)
}

// readCapped reads up to limit bytes. limit <= 0 means unbounded.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return b, false, err
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}

// -- deflate --

// Servers disagree on whether "deflate" means zlib-wrapped or raw. Peek at the
// head of the stream, try zlib, and fall back to raw deflate on a header error.
type replayReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newReplayReader(r io.Reader) *replayReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &replayReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *replayReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *replayReader) rewind() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newReplayReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		return zr, nil
	}
	rr.rewind()
	return flate.NewReader(rr), nil
}

// decodeText converts an HTML body to UTF-8 using the Content-Type charset, a
// <meta> declaration, or content sniffing, in that order.
func decodeText(content []byte, contentType string) string {
	if len(content) == 0 {
		return ""
	}
	enc, name, _ := charset.DetermineEncoding(content, contentType)
	if name == "utf-8" || enc == nil {
		return strings.ToValidUTF8(string(content), "�")
	}
	out, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(out)
}
