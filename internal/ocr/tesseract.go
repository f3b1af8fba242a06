// Package ocr runs page images through the tesseract command line tool.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spherical/flyer-offers/internal/domain"
	"github.com/spherical/flyer-offers/internal/observability"
)

// Config configures the tesseract binary.
type Config struct {
	Binary   string
	Language string
	Timeout  time.Duration
}

// Tesseract implements domain.OCR.
type Tesseract struct {
	cfg    Config
	logger *observability.Logger
}

var _ domain.OCR = (*Tesseract)(nil)

// NewTesseract creates an OCR collaborator. Defaults: "tesseract", "deu", 60s.
func NewTesseract(cfg Config, logger *observability.Logger) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "deu"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Tesseract{cfg: cfg, logger: logger.WithOperation("ocr")}
}

// Recognize returns the text tesseract reads from image.
func (t *Tesseract) Recognize(ctx context.Context, image domain.ImageRef) (string, error) {
	path, cleanup, err := localPath(image)
	if err != nil {
		return "", err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cfg.Binary, path, "stdout", "-l", t.cfg.Language)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return "", domain.ConfigError(fmt.Sprintf("ocr binary %q not available", t.cfg.Binary), err)
		}
		msg := strings.TrimSpace(stderr.String())
		return "", domain.ExtractionError(fmt.Sprintf("ocr %s failed: %s", image.Label(), msg), err)
	}

	text := strings.TrimSpace(stdout.String())
	t.logger.Debug().
		Int("page", image.Page).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Page recognized")
	return text, nil
}

// localPath returns a file tesseract can read. Inline data is written to a
// temp file that cleanup removes.
func localPath(image domain.ImageRef) (string, func(), error) {
	noop := func() {}
	if len(image.Data) > 0 {
		f, err := os.CreateTemp("", "flyer-ocr-*"+extension(image.MIMEType))
		if err != nil {
			return "", noop, domain.IOError("create ocr temp file", err)
		}
		name := f.Name()
		cleanup := func() { os.Remove(name) }
		if _, err := f.Write(image.Data); err != nil {
			f.Close()
			cleanup()
			return "", noop, domain.IOError("write ocr temp file", err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return "", noop, domain.IOError("close ocr temp file", err)
		}
		return name, cleanup, nil
	}
	if image.Path != "" {
		return image.Path, noop, nil
	}
	return "", noop, domain.ValidationError(fmt.Sprintf("ocr needs a local image, got %s", image.Label()), nil)
}

func extension(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
