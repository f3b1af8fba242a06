package render

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
)

// StaticConfig configures the plain HTTP renderer.
type StaticConfig struct {
	Timeout   time.Duration
	UserAgent string
	// Transport replaces the default HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// StaticRenderer implements domain.Renderer without a browser. Pages that
// build their content in JavaScript come back with only their hydration
// scripts, which the source adapter still understands.
type StaticRenderer struct {
	cfg    StaticConfig
	logger *observability.Logger
}

var _ domain.Renderer = (*StaticRenderer)(nil)

// NewStaticRenderer creates a colly based renderer.
func NewStaticRenderer(cfg StaticConfig, logger *observability.Logger) *StaticRenderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &StaticRenderer{cfg: cfg, logger: logger.WithOperation("render")}
}

// Render fetches pageURL once and returns its HTML and image sources.
func (s *StaticRenderer) Render(ctx context.Context, pageURL string, opts domain.RenderOptions) (*domain.RenderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = s.cfg.UserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	selector := opts.ImageSelector
	if selector == "" {
		selector = "img[src]"
	}

	c := colly.NewCollector()
	if ua != "" {
		c.UserAgent = ua
	}
	c.SetRequestTimeout(timeout)
	c.WithTransport(s.cfg.Transport)

	var (
		mu       sync.Mutex
		html     string
		srcs     []string
		status   int
		fetchErr error
	)

	c.OnHTML(selector, func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		srcs = append(srcs, e.Request.AbsoluteURL(e.Attr("src")))
	})

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		status = r.StatusCode
		html = string(r.Body)
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		fetchErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	start := time.Now()
	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		if status >= http.StatusBadRequest {
			return nil, domain.StatusError(status, fmt.Sprintf("fetch %s", pageURL))
		}
		return nil, domain.NewError(domain.ErrorTypeTransient, "fetch "+pageURL, fetchErr)
	}

	result := &domain.RenderResult{HTML: html, Images: imageRefs(srcs)}

	s.logger.Info().
		Str("url", pageURL).
		Int("status", status).
		Int("html_bytes", len(html)).
		Int("images", len(result.Images)).
		Dur("duration", time.Since(start)).
		Msg("Page fetched")

	return result, nil
}
