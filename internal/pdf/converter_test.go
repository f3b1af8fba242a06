package pdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/flyer-offers/internal/domain"
)

func TestValidatePDFBytes(t *testing.T) {
	v := NewValidator()

	err := v.ValidatePDFBytes(nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	assert.Error(t, v.ValidatePDFBytes([]byte("<html>not a pdf</html>")))
	assert.NoError(t, v.ValidatePDFBytes([]byte("%PDF-1.7\n...")))
	assert.NoError(t, v.ValidatePDFBytes([]byte("\xef\xbb\xbf%PDF-1.4\n")))
}

func TestValidatePDFPath(t *testing.T) {
	v := NewValidator()
	dir := t.TempDir()

	assert.Error(t, v.ValidatePDFPath(""))
	assert.Error(t, v.ValidatePDFPath(filepath.Join(dir, "missing.pdf")))
	assert.Error(t, v.ValidatePDFPath(dir))

	txt := filepath.Join(dir, "flyer.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	assert.Error(t, v.ValidatePDFPath(txt))

	pdfPath := filepath.Join(dir, "flyer.PDF")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4"), 0o644))
	assert.NoError(t, v.ValidatePDFPath(pdfPath))
}

func TestValidateQuality(t *testing.T) {
	v := NewValidator()
	assert.Error(t, v.ValidateQuality(0))
	assert.Error(t, v.ValidateQuality(101))
	assert.NoError(t, v.ValidateQuality(85))
}

func TestRasterizeRejectsInvalidInput(t *testing.T) {
	c := NewConverter(0)
	defer c.Cleanup()

	_, err := c.Rasterize(context.Background(), []byte{})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = c.Rasterize(context.Background(), []byte("plain text"))
	require.Error(t, err)
}

func TestCleanupWithoutRasterize(t *testing.T) {
	assert.NoError(t, NewConverter(90).Cleanup())
}
