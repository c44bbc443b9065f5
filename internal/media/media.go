// Package media holds the timestamped units exchanged between the capture
// producers, the sync buffer and the finalizer.
package media

import (
	"fmt"
	"image"
	"time"
)

// AudioChunk is one driver callback's worth of interleaved signed 16-bit
// samples. Offset is measured from session start. Samples must not be
// modified after the chunk is handed to the buffer.
type AudioChunk struct {
	Offset     time.Duration
	Samples    []int16
	Channels   int
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (c AudioChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration is the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// VideoFrame is one encoded (JPEG) screen capture.
type VideoFrame struct {
	Offset time.Duration
	Data   []byte
	Width  int
	Height int
}

// Region is a capture rectangle in screen coordinates.
type Region struct {
	X, Y          int
	Width, Height int
}

func (r Region) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// RegionFromRect converts an image rectangle to a Region.
func RegionFromRect(rect image.Rectangle) Region {
	return Region{X: rect.Min.X, Y: rect.Min.Y, Width: rect.Dx(), Height: rect.Dy()}
}

// AudioDuration sums the playback length of a chunk sequence.
func AudioDuration(chunks []AudioChunk) time.Duration {
	var total time.Duration
	for _, c := range chunks {
		total += c.Duration()
	}
	return total
}

// VideoSpan is the wall-clock span covered by a frame sequence: the offset of
// the last frame plus one nominal frame interval.
func VideoSpan(frames []VideoFrame, fps int) time.Duration {
	if len(frames) == 0 || fps <= 0 {
		return 0
	}
	return frames[len(frames)-1].Offset - frames[0].Offset + time.Second/time.Duration(fps)
}
