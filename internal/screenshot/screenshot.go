// Package screenshot captures a best-effort visual record of a target with a
// headless Chrome. Any failure yields a placeholder image so perceptual-hash
// clustering always has something to compare.
package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/fingerprint"
)

// Capture statuses.
const (
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
)

const (
	ReasonDisabled   = "screenshot_disabled"
	placeholderTitle = "Screenshot unavailable"
	maxReasonChars   = 200
)

// Result describes one capture attempt. Path and hashes are set for DONE and
// for FAILED (placeholder); SKIPPED carries only a reason.
type Result struct {
	Status string
	Path   string
	AHash  string
	PHash  string
	DHash  string
	Reason string
}

// Capturer is what the scan pipeline depends on.
type Capturer interface {
	Capture(ctx context.Context, url string, targetID int64) Result
}

type captureFunc func(ctx context.Context, url string) ([]byte, error)

// Chrome captures full-page PNGs via chromedp.
type Chrome struct {
	cfg       config.BrowserConfig
	userAgent string
	dir       string
	logger    *zap.Logger
	capture   captureFunc
}

// New creates a capturer writing into dir.
func New(cfg config.BrowserConfig, userAgent, dir string, logger *zap.Logger) *Chrome {
	c := &Chrome{cfg: cfg, userAgent: userAgent, dir: dir, logger: logger.Named("screenshot")}
	c.capture = c.chromeCapture
	return c
}

// Capture takes the screenshot and hashes it.
func (c *Chrome) Capture(ctx context.Context, url string, targetID int64) Result {
	if !c.cfg.ScreenshotEnabled {
		return Result{Status: StatusSkipped, Reason: ReasonDisabled}
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("storage_error: %v", err)}
	}

	raw, err := c.capture(ctx, url)
	if err != nil {
		c.logger.Debug("Screenshot capture failed", zap.String("url", url), zap.Error(err))
		return c.placeholder(targetID, fmt.Sprintf("capture_failed: %v", err))
	}

	path := c.pathFor(targetID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return c.placeholder(targetID, fmt.Sprintf("write_error:%v", err))
	}
	img, err := fingerprint.DecodeImage(raw)
	if err != nil {
		return c.placeholder(targetID, fmt.Sprintf("hash_error:%v", err))
	}
	h, err := fingerprint.HashImage(img)
	if err != nil {
		return c.placeholder(targetID, fmt.Sprintf("hash_error:%v", err))
	}
	return Result{Status: StatusDone, Path: path, AHash: h.AHash, PHash: h.PHash, DHash: h.DHash}
}

func (c *Chrome) pathFor(targetID int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("target_%d.png", targetID))
}

func (c *Chrome) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1280, 800),
	}
	if c.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if c.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	for _, arg := range c.cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// chromeCapture launches a fresh browser per capture; scans are sequential per
// worker so there is no session to share.
func (c *Chrome) chromeCapture(ctx context.Context, url string) ([]byte, error) {
	timeout := c.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var buf []byte
	err := chromedp.Run(runCtx,
		emulation.SetUserAgentOverride(c.userAgent),
		chromedp.Navigate(url),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// -- Placeholder --

var (
	placeholderBG     = color.RGBA{R: 20, G: 22, B: 28, A: 255}
	placeholderTitleC = color.RGBA{R: 220, G: 220, B: 220, A: 255}
	placeholderTextC  = color.RGBA{R: 180, G: 180, B: 180, A: 255}
)

func (c *Chrome) placeholder(targetID int64, reason string) Result {
	res, err := WritePlaceholder(c.pathFor(targetID), reason)
	if err != nil {
		c.logger.Warn("Failed to write screenshot placeholder", zap.Int64("target_id", targetID), zap.Error(err))
		return Result{Status: StatusFailed, Reason: reason}
	}
	return res
}

// RenderPlaceholder draws the 800x450 "unavailable" card.
func RenderPlaceholder(reason string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 800, 450))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: placeholderBG}, image.Point{}, draw.Src)

	if r := []rune(reason); len(r) > maxReasonChars {
		reason = string(r[:maxReasonChars])
	}
	drawText(img, 20, 30, placeholderTitle, placeholderTitleC)
	drawText(img, 20, 60, reason, placeholderTextC)
	return img
}

// WritePlaceholder renders, saves and hashes a placeholder. The result status
// is FAILED with the given reason.
func WritePlaceholder(path, reason string) (Result, error) {
	img := RenderPlaceholder(reason)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Result{}, fmt.Errorf("failed to encode placeholder: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return Result{}, fmt.Errorf("failed to write placeholder: %w", err)
	}
	h, err := fingerprint.HashImage(img)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusFailed, Path: path, AHash: h.AHash, PHash: h.PHash, DHash: h.DHash, Reason: reason}, nil
}

func drawText(dst draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
