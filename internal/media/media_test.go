package media

import (
	"image"
	"testing"
	"time"
)

func TestAudioChunkDuration(t *testing.T) {
	c := AudioChunk{Samples: make([]int16, 2*4410), Channels: 2, SampleRate: 44100}
	if c.Frames() != 4410 {
		t.Fatalf("Frames = %d, want 4410", c.Frames())
	}
	if c.Duration() != 100*time.Millisecond {
		t.Fatalf("Duration = %s, want 100ms", c.Duration())
	}
	if (AudioChunk{Samples: []int16{1}}).Duration() != 0 {
		t.Fatal("chunk without format should have zero duration")
	}
}

func TestAudioDuration(t *testing.T) {
	chunks := []AudioChunk{
		{Samples: make([]int16, 800), Channels: 1, SampleRate: 8000},
		{Samples: make([]int16, 1600), Channels: 2, SampleRate: 8000},
	}
	if got := AudioDuration(chunks); got != 200*time.Millisecond {
		t.Fatalf("AudioDuration = %s, want 200ms", got)
	}
}

func TestVideoSpan(t *testing.T) {
	frames := []VideoFrame{{Offset: 0}, {Offset: 100 * time.Millisecond}, {Offset: 200 * time.Millisecond}}
	if got := VideoSpan(frames, 10); got != 300*time.Millisecond {
		t.Fatalf("VideoSpan = %s, want 300ms", got)
	}
	if VideoSpan(nil, 10) != 0 {
		t.Fatal("empty span should be zero")
	}
}

func TestRegionRoundTrip(t *testing.T) {
	r := Region{X: 10, Y: 20, Width: 300, Height: 200}
	if got := RegionFromRect(r.Rect()); got != r {
		t.Fatalf("round trip = %+v, want %+v", got, r)
	}
	if !(Region{Width: 0, Height: 5}).Empty() {
		t.Fatal("zero width region should be empty")
	}
	if RegionFromRect(image.Rect(0, 0, 4, 3)).String() != "4x3+0+0" {
		t.Fatal("unexpected String()")
	}
}
