package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spherical/flyer-offers/internal/config"
	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
)

const maxDownloadBytes = 200 * 1024 * 1024

// Loader builds raw sources from retailer profiles: a local file or
// directory, an HTTP download, or a rendered page.
type Loader struct {
	client     *http.Client
	renderer   domain.Renderer
	renderOpts domain.RenderOptions
	logger     *observability.Logger
}

// NewLoader creates a loader. renderer may be nil when no retailer uses a
// render source.
func NewLoader(client *http.Client, renderer domain.Renderer, renderOpts domain.RenderOptions, logger *observability.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Loader{client: client, renderer: renderer, renderOpts: renderOpts, logger: logger.WithOperation("loader")}
}

// Load returns the raw source for one retailer and week. override, when
// set, is a local path that replaces the configured source. "{week}" in a
// configured path or URL is replaced with the week key.
func (l *Loader) Load(ctx context.Context, rc config.RetailerConfig, week domain.WeekKey, override string) (domain.RawSource, error) {
	retailer, err := domain.ParseRetailer(rc.Name)
	if err != nil {
		return domain.RawSource{}, err
	}
	src := domain.RawSource{Retailer: retailer, WeekKey: week}

	if override != "" {
		return l.loadPath(src, override, "")
	}

	sc := rc.Source
	path := strings.ReplaceAll(sc.Path, "{week}", string(week))
	url := strings.ReplaceAll(sc.URL, "{week}", string(week))

	switch {
	case path != "":
		return l.loadPath(src, path, domain.SourceKind(sc.Kind))
	case url != "" && sc.Kind == string(domain.SourceRender):
		return l.render(ctx, src, url)
	case url != "":
		return l.download(ctx, src, url, domain.SourceKind(sc.Kind))
	default:
		return src, domain.ConfigError(fmt.Sprintf("retailer %s has no source configured", retailer), nil)
	}
}

// loadPath reads a file, or lists the images of a directory.
func (l *Loader) loadPath(src domain.RawSource, path string, kind domain.SourceKind) (domain.RawSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return src, domain.IOError("stat source "+path, err)
	}

	if info.IsDir() {
		images, err := dirImages(path)
		if err != nil {
			return src, err
		}
		src.Kind, src.Images, src.Path = domain.SourceImages, images, path
		return src, nil
	}

	if kind == "" {
		kind = kindFromName(path)
	}
	if kind == domain.SourceImages {
		src.Kind = domain.SourceImages
		src.Images = []domain.ImageRef{{Page: 1, Path: path, MIMEType: mimeType(path)}}
		return src, nil
	}
	src.Kind, src.Path = kind, path
	return src, nil
}

func (l *Loader) download(ctx context.Context, src domain.RawSource, url string, kind domain.SourceKind) (domain.RawSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return src, domain.ConfigError("invalid source url "+url, err)
	}
	if ua := l.renderOpts.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		return src, domain.NewError(domain.ErrorTypeTransient, "download "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return src, domain.StatusError(resp.StatusCode, "download "+url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return src, domain.IOError("read "+url, err)
	}
	if len(data) > maxDownloadBytes {
		return src, domain.ValidationError(fmt.Sprintf("%s exceeds %d MB", url, maxDownloadBytes/(1024*1024)), nil)
	}

	if kind == "" {
		kind = kindFromContentType(resp.Header.Get("Content-Type"), url)
	}

	l.logger.Info().
		Str("retailer", string(src.Retailer)).
		Str("url", url).
		Str("kind", string(kind)).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Source downloaded")

	src.Kind, src.Data, src.URL = kind, data, url
	if kind == domain.SourceImages {
		src.Images = []domain.ImageRef{{Page: 1, Data: data, URL: url, MIMEType: resp.Header.Get("Content-Type")}}
		src.Data = nil
	}
	return src, nil
}

func (l *Loader) render(ctx context.Context, src domain.RawSource, url string) (domain.RawSource, error) {
	if l.renderer == nil {
		return src, domain.ConfigError("render source configured but no renderer available", nil)
	}
	res, err := l.renderer.Render(ctx, url, l.renderOpts)
	if err != nil {
		return src, domain.ExtractionError("render "+url, err)
	}
	src.Kind, src.Render, src.URL = domain.SourceRender, res, url
	return src, nil
}

func dirImages(dir string) ([]domain.ImageRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, domain.IOError("read source directory "+dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && mimeType(e.Name()) != "" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, domain.ValidationError("no page images in "+dir, nil)
	}

	images := make([]domain.ImageRef, len(names))
	for i, name := range names {
		images[i] = domain.ImageRef{Page: i + 1, Path: filepath.Join(dir, name), MIMEType: mimeType(name)}
	}
	return images, nil
}

func kindFromName(name string) domain.SourceKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return domain.SourcePDF
	case ".html", ".htm":
		return domain.SourceHTML
	case ".jpg", ".jpeg", ".png", ".webp":
		return domain.SourceImages
	default:
		return domain.SourceText
	}
}

func kindFromContentType(contentType, url string) domain.SourceKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return domain.SourcePDF
	case strings.Contains(ct, "html"):
		return domain.SourceHTML
	case strings.HasPrefix(ct, "image/"):
		return domain.SourceImages
	case strings.HasPrefix(ct, "text/"):
		return domain.SourceText
	default:
		return kindFromName(url)
	}
}

func mimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
