// Package pdf rasterizes flyer PDFs into page images.
package pdf

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/flyer-offers/internal/domain"
)

// DefaultQuality is the JPEG quality used for rasterized pages.
const DefaultQuality = 85

// Converter implements domain.Rasterizer using go-fitz. It is safe for
// concurrent use; every Rasterize call gets its own temp directory.
type Converter struct {
	quality int

	mu       sync.Mutex
	tempDirs []string
}

// NewConverter creates a new PDF converter instance
func NewConverter(quality int) *Converter {
	if quality == 0 {
		quality = DefaultQuality
	}
	return &Converter{quality: quality}
}

// Rasterize converts PDF bytes to one JPEG per page, numbered from 1.
func (c *Converter) Rasterize(ctx context.Context, data []byte) ([]domain.ImageRef, error) {
	validator := NewValidator()
	if err := validator.ValidatePDFBytes(data); err != nil {
		return nil, err
	}
	if err := validator.ValidateQuality(c.quality); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.ConversionError("failed to open PDF", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.ValidationError("PDF has no pages", nil)
	}

	tempDir, err := os.MkdirTemp("", "flyer-pages-*")
	if err != nil {
		return nil, domain.IOError("failed to create temp directory", err)
	}
	c.track(tempDir)

	images := make([]domain.ImageRef, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.Image(pageNum)
		if err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to convert page %d", pageNum+1), err)
		}

		outputPath := filepath.Join(tempDir, fmt.Sprintf("page_%03d.jpg", pageNum+1))
		outputFile, err := os.Create(outputPath)
		if err != nil {
			return nil, domain.IOError(fmt.Sprintf("failed to create output file for page %d", pageNum+1), err)
		}

		err = jpeg.Encode(outputFile, img, &jpeg.Options{Quality: c.quality})
		outputFile.Close()
		if err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to encode page %d as JPG", pageNum+1), err)
		}

		bounds := img.Bounds()
		images = append(images, domain.ImageRef{
			Page:     pageNum + 1,
			Path:     outputPath,
			MIMEType: "image/jpeg",
			Width:    bounds.Dx(),
			Height:   bounds.Dy(),
		})
	}

	return images, nil
}

func (c *Converter) track(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempDirs = append(c.tempDirs, dir)
}

// Cleanup removes every temp directory created so far.
func (c *Converter) Cleanup() error {
	c.mu.Lock()
	dirs := c.tempDirs
	c.tempDirs = nil
	c.mu.Unlock()

	var errs []error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
