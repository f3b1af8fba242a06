// Package render loads retailer flyer pages, either through a headless
// browser or with a plain HTTP crawl.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
)

// DefaultTimeout bounds one headless render.
const DefaultTimeout = 3 * time.Minute

// RodConfig configures the headless renderer.
type RodConfig struct {
	// LauncherURL points at a remote rod launcher. Empty launches a local browser.
	LauncherURL string
	// Bin overrides the browser binary. ROD_BROWSER_BIN is used when empty.
	Bin       string
	Timeout   time.Duration
	UserAgent string
}

// RodRenderer implements domain.Renderer with a headless Chromium.
type RodRenderer struct {
	cfg    RodConfig
	logger *observability.Logger
}

var _ domain.Renderer = (*RodRenderer)(nil)

// NewRodRenderer creates a headless renderer.
func NewRodRenderer(cfg RodConfig, logger *observability.Logger) *RodRenderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Bin == "" {
		cfg.Bin = os.Getenv("ROD_BROWSER_BIN")
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &RodRenderer{cfg: cfg, logger: logger.WithOperation("render")}
}

// Render loads pageURL, waits for it to settle and returns the HTML, the
// image sources, the visible text and optionally a full-page screenshot.
func (r *RodRenderer) Render(ctx context.Context, pageURL string, opts domain.RenderOptions) (*domain.RenderResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	page, cleanup, err := r.openPage(ctx, pageURL, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Wait for page to stabilize
	if err := page.WaitStable(time.Second); err == nil {
		_ = page.WaitDOMStable(2*time.Second, 0.1)
	}

	if opts.WaitSelector != "" {
		if _, err := page.Element(opts.WaitSelector); err != nil {
			return nil, domain.NewError(domain.ErrorTypeTransient, fmt.Sprintf("wait for %q", opts.WaitSelector), err)
		}
	}

	if opts.ScrollToEnd {
		if _, err := page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err == nil {
			_ = page.WaitDOMStable(2*time.Second, 0.1)
		}
	}

	htmlContent, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("get page HTML: %w", err)
	}

	result := &domain.RenderResult{HTML: htmlContent}
	result.Images = r.imageSources(page, opts.ImageSelector)

	if text, err := page.Eval(`() => document.body ? document.body.innerText : ""`); err == nil {
		result.Markdown = strings.TrimSpace(text.Value.Str())
	}

	if opts.Screenshot {
		shot, err := page.Screenshot(true, nil)
		if err != nil {
			r.logger.Warn().Err(err).Str("url", pageURL).Msg("Screenshot failed")
		} else {
			result.Images = append(result.Images, domain.ImageRef{
				Page:     len(result.Images) + 1,
				Data:     shot,
				MIMEType: "image/png",
			})
		}
	}

	r.logger.Info().
		Str("url", pageURL).
		Int("html_bytes", len(htmlContent)).
		Int("images", len(result.Images)).
		Dur("duration", time.Since(start)).
		Msg("Page rendered")

	return result, nil
}

func (r *RodRenderer) openPage(ctx context.Context, pageURL string, opts domain.RenderOptions) (*rod.Page, func(), error) {
	var l *launcher.Launcher
	if r.cfg.LauncherURL != "" {
		var err error
		if l, err = launcher.NewManaged(r.cfg.LauncherURL); err != nil {
			return nil, nil, fmt.Errorf("connect launcher: %w", err)
		}
	} else {
		l = launcher.New().Headless(true).Logger(io.Discard)
	}
	if r.cfg.Bin != "" {
		l = l.Bin(r.cfg.Bin)
	}
	l = l.Context(ctx)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, domain.NewError(domain.ErrorTypeTransient, "launch browser", err)
	}

	browser := rod.New().Context(ctx).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, domain.NewError(domain.ErrorTypeTransient, "connect browser", err)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = r.cfg.UserAgent
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		browser.Close()
		l.Cleanup()
		return nil, nil, fmt.Errorf("open page: %w", err)
	}

	cleanup := func() {
		page.Close()
		browser.Close()
		l.Cleanup()
	}

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  1920,
		Height: 1080,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("set viewport: %w", err)
	}

	if ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	if err := page.Navigate(pageURL); err != nil {
		cleanup()
		return nil, nil, domain.NewError(domain.ErrorTypeTransient, "navigate to "+pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		cleanup()
		return nil, nil, domain.NewError(domain.ErrorTypeTransient, "wait for load", err)
	}

	return page, cleanup, nil
}

// imageSources collects absolute http(s) image URLs in document order.
func (r *RodRenderer) imageSources(page *rod.Page, selector string) []domain.ImageRef {
	if selector == "" {
		selector = "img"
	}
	els, err := page.Elements(selector)
	if err != nil {
		r.logger.Debug().Err(err).Msg("No images found")
		return nil
	}

	var srcs []string
	for _, el := range els {
		// The src property is already resolved against the document base.
		v, err := el.Property("src")
		if err != nil {
			continue
		}
		srcs = append(srcs, v.Str())
	}
	return imageRefs(srcs)
}

// imageRefs drops non-http sources and duplicates and numbers the rest.
func imageRefs(srcs []string) []domain.ImageRef {
	seen := make(map[string]bool, len(srcs))
	var refs []domain.ImageRef
	for _, src := range srcs {
		src = strings.TrimSpace(src)
		if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
			continue
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		refs = append(refs, domain.ImageRef{Page: len(refs) + 1, URL: src})
	}
	return refs
}
