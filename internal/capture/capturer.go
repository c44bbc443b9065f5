package capture

import (
	"errors"
	"image"
)

// ScreenCapturer grabs pixels from one display. Region coordinates are
// absolute screen coordinates, the same space window lookups report in.
type ScreenCapturer interface {
	Capture() (*image.RGBA, error)
	CaptureRegion(x, y, width, height int) (*image.RGBA, error)
	Close() error
}

// CaptureConfig selects the display to record. Encoding settings live on
// EncoderConfig.
type CaptureConfig struct {
	DisplayIndex int
}

// NewScreenCapturer returns the screenshot-backed capturer for the display.
func NewScreenCapturer(config CaptureConfig) (ScreenCapturer, error) {
	return newScreenshotCapturer(config)
}

var (
	ErrNoDisplay       = errors.New("no active display")
	ErrDisplayNotFound = errors.New("display not found")

	// ErrEmptyFrame marks a capture that decoded to zero pixels.
	ErrEmptyFrame = errors.New("captured image is empty")
)
