package capture

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"testing"
)

func TestNewFrameEncoderValidates(t *testing.T) {
	if _, err := NewFrameEncoder(EncoderConfig{Quality: 101}); !errors.Is(err, ErrInvalidQuality) {
		t.Fatalf("err = %v, want ErrInvalidQuality", err)
	}
	if _, err := NewFrameEncoder(EncoderConfig{Quality: 50, ScaleFactor: 2}); !errors.Is(err, ErrInvalidScale) {
		t.Fatalf("err = %v, want ErrInvalidScale", err)
	}
}

func TestEncodeLocksFirstFrameSize(t *testing.T) {
	enc, err := NewFrameEncoder(EncoderConfig{Quality: 80, ScaleFactor: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	data, w, h, err := enc.Encode(image.NewRGBA(image.Rect(0, 0, 200, 100)))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if w != 100 || h != 50 {
		t.Fatalf("size = %dx%d, want 100x50", w, h)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("jpeg size = %dx%d", cfg.Width, cfg.Height)
	}

	// A differently sized capture is scaled to the locked size.
	_, w, h, err = enc.Encode(image.NewRGBA(image.Rect(0, 0, 640, 480)))
	if err != nil {
		t.Fatal(err)
	}
	if w != 100 || h != 50 {
		t.Fatalf("second frame size = %dx%d, want 100x50", w, h)
	}
}

func TestEncodeRejectsEmpty(t *testing.T) {
	enc, _ := NewFrameEncoder(DefaultEncoderConfig())
	if _, _, _, err := enc.Encode(image.NewRGBA(image.Rectangle{})); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("err = %v, want ErrEmptyFrame", err)
	}
}

func TestScaledSizeIsEven(t *testing.T) {
	w, h := scaledSize(1281, 721, 1.0)
	if w%2 != 0 || h%2 != 0 {
		t.Fatalf("scaledSize = %dx%d, want even", w, h)
	}
	w, h = scaledSize(1, 1, 1.0)
	if w != 2 || h != 2 {
		t.Fatalf("scaledSize minimum = %dx%d, want 2x2", w, h)
	}
}
