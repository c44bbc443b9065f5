package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"
)

// screenshotCapturer grabs pixels with github.com/kbinani/screenshot, which
// wraps the native API on each platform (X11/XShm, CoreGraphics, GDI).
type screenshotCapturer struct {
	mu      sync.Mutex
	display int
	bounds  image.Rectangle
	closed  bool
}

func newScreenshotCapturer(config CaptureConfig) (*screenshotCapturer, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoDisplay
	}
	if config.DisplayIndex < 0 || config.DisplayIndex >= n {
		return nil, fmt.Errorf("%w: index %d of %d", ErrDisplayNotFound, config.DisplayIndex, n)
	}
	return &screenshotCapturer{
		display: config.DisplayIndex,
		bounds:  screenshot.GetDisplayBounds(config.DisplayIndex),
	}, nil
}

func (c *screenshotCapturer) Capture() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("capturer closed")
	}
	return screenshot.CaptureRect(c.bounds)
}

func (c *screenshotCapturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("capturer closed")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid region %dx%d", width, height)
	}
	return screenshot.CaptureRect(image.Rect(x, y, x+width, y+height))
}

func (c *screenshotCapturer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// DisplayBounds returns the bounds of every active display.
func DisplayBounds() []image.Rectangle {
	n := screenshot.NumActiveDisplays()
	out := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, screenshot.GetDisplayBounds(i))
	}
	return out
}
