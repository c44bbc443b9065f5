package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"
)

var (
	ErrInvalidQuality = errors.New("invalid jpeg quality")
	ErrInvalidScale   = errors.New("invalid scale factor")
	ErrEncoderClosed  = errors.New("encoder closed")
)

type EncoderConfig struct {
	Quality     int
	ScaleFactor float64
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{Quality: 75, ScaleFactor: 1.0}
}

// FrameEncoder turns captured images into stored frame payloads. The first
// frame fixes the output size; later frames of a different size (a resized
// window, a fallback to the full display) are scaled to it so the video
// track keeps constant dimensions.
type FrameEncoder struct {
	mu      sync.Mutex
	cfg     EncoderConfig
	backend encoderBackend
	width   int
	height  int
	scratch *image.RGBA
}

type encoderBackend interface {
	Encode(img image.Image) ([]byte, error)
	Close() error
	Name() string
}

func NewFrameEncoder(cfg EncoderConfig) (*FrameEncoder, error) {
	if cfg.Quality == 0 {
		cfg.Quality = DefaultEncoderConfig().Quality
	}
	if cfg.ScaleFactor == 0 {
		cfg.ScaleFactor = 1.0
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuality, cfg.Quality)
	}
	if cfg.ScaleFactor < 0 || cfg.ScaleFactor > 1 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidScale, cfg.ScaleFactor)
	}
	return &FrameEncoder{
		cfg:     cfg,
		backend: &jpegBackend{quality: cfg.Quality},
	}, nil
}

// Encode normalizes img to the locked output size and encodes it. It returns
// the payload and its pixel dimensions.
func (e *FrameEncoder) Encode(img *image.RGBA) ([]byte, int, int, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, 0, 0, ErrEmptyFrame
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return nil, 0, 0, ErrEncoderClosed
	}

	b := img.Bounds()
	if e.width == 0 {
		e.width, e.height = scaledSize(b.Dx(), b.Dy(), e.cfg.ScaleFactor)
	}

	var src image.Image = img
	if b.Dx() != e.width || b.Dy() != e.height {
		if e.scratch == nil {
			e.scratch = image.NewRGBA(image.Rect(0, 0, e.width, e.height))
		}
		draw.ApproxBiLinear.Scale(e.scratch, e.scratch.Bounds(), img, b, draw.Src, nil)
		src = e.scratch
	}

	data, err := e.backend.Encode(src)
	if err != nil {
		return nil, 0, 0, err
	}
	return data, e.width, e.height, nil
}

// Size returns the locked output size, zero before the first frame.
func (e *FrameEncoder) Size() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}

func (e *FrameEncoder) Close() error {
	e.mu.Lock()
	backend := e.backend
	e.backend = nil
	e.scratch = nil
	e.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// scaledSize applies the scale factor and rounds down to even dimensions,
// which most downstream codecs require.
func scaledSize(w, h int, scale float64) (int, int) {
	sw := int(float64(w) * scale)
	sh := int(float64(h) * scale)
	sw -= sw % 2
	sh -= sh % 2
	if sw < 2 {
		sw = 2
	}
	if sh < 2 {
		sh = 2
	}
	return sw, sh
}

type jpegBackend struct {
	quality int
	buf     bytes.Buffer
}

func (j *jpegBackend) Encode(img image.Image) ([]byte, error) {
	j.buf.Reset()
	if err := jpeg.Encode(&j.buf, img, &jpeg.Options{Quality: j.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	out := make([]byte, j.buf.Len())
	copy(out, j.buf.Bytes())
	return out, nil
}

func (j *jpegBackend) Close() error { return nil }

func (j *jpegBackend) Name() string { return "jpeg" }
