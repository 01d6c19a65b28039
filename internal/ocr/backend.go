// Package ocr recognizes text from rendered page bitmaps. The Engine enforces
// the concurrency budget and the per-page time limit; Backends do the actual
// recognition, either by shelling out to the tesseract binary or through the
// gosseract bindings when built with the tesseract_cgo tag.
package ocr

import "context"

// Request is one recognition call. ImagePath points at a PNG on disk; DPI is
// the resolution it was rendered at, passed through so tesseract does not
// have to guess.
type Request struct {
	ImagePath string
	DPI       int
	Language  string
}

// Result carries recognized text plus the backend's own confidence when it
// produced one. Scored is false when the backend could not score the output;
// the engine substitutes a proxy confidence in that case.
type Result struct {
	Text       string
	Confidence float32
	Scored     bool
}

type Backend interface {
	Name() string
	Recognize(ctx context.Context, req Request) (Result, error)
	// Health verifies the backend can run at all. Called once at startup;
	// a failing backend is a fatal configuration error.
	Health(ctx context.Context) error
	Close() error
}
