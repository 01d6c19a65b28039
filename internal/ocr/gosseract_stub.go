//go:build !tesseract_cgo

package ocr

import (
	"fmt"
	"log/slog"
)

// NewLibBackend requires the tesseract_cgo build tag. Plain builds route all
// recognition through the subprocess backend.
func NewLibBackend(tessdataDir string, logger *slog.Logger) (Backend, error) {
	return nil, fmt.Errorf("tesseract library backend requires building with -tags tesseract_cgo")
}
