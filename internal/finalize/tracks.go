package finalize

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/icza/mjpeg"

	"github.com/meetcap/meetcap/internal/media"
)

// ErrEmptyTrack is returned when a track has nothing to write.
var ErrEmptyTrack = errors.New("empty track")

// WriteWAV writes 16-bit PCM chunks to path. The file only appears under its
// final name once fully written.
func WriteWAV(path string, chunks []media.AudioChunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("audio: %w", ErrEmptyTrack)
	}
	rate, channels := chunks[0].SampleRate, chunks[0].Channels
	if rate <= 0 || channels <= 0 {
		return fmt.Errorf("audio: invalid format %d Hz / %d ch", rate, channels)
	}

	return atomicWrite(path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		enc := wav.NewEncoder(f, rate, 16, channels, 1)
		buf := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
			SourceBitDepth: 16,
		}
		for _, c := range chunks {
			if c.SampleRate != rate || c.Channels != channels {
				enc.Close()
				f.Close()
				return fmt.Errorf("audio: chunk at %s changes format to %d Hz / %d ch", c.Offset, c.SampleRate, c.Channels)
			}
			if cap(buf.Data) < len(c.Samples) {
				buf.Data = make([]int, len(c.Samples))
			}
			buf.Data = buf.Data[:len(c.Samples)]
			for i, s := range c.Samples {
				buf.Data[i] = int(s)
			}
			if err := enc.Write(buf); err != nil {
				enc.Close()
				f.Close()
				return fmt.Errorf("write samples: %w", err)
			}
		}
		if err := enc.Close(); err != nil {
			f.Close()
			return fmt.Errorf("finish wav: %w", err)
		}
		return f.Close()
	})
}

// WriteAVI writes JPEG frames to an MJPEG AVI at path at a constant fps.
// Frames are placed on the fps grid by their offsets (see ResampleCFR), so
// the file plays back over the span it was captured in whatever rate the
// capture loop actually achieved.
func WriteAVI(path string, frames []media.VideoFrame, fps int) error {
	if len(frames) == 0 {
		return fmt.Errorf("video: %w", ErrEmptyTrack)
	}
	if fps <= 0 {
		return fmt.Errorf("video: invalid frame rate %d", fps)
	}
	grid := ResampleCFR(frames, fps)
	w, h := frames[0].Width, frames[0].Height

	return atomicWrite(path, func(tmp string) error {
		aw, err := mjpeg.New(tmp, int32(w), int32(h), int32(fps))
		if err != nil {
			return fmt.Errorf("create avi: %w", err)
		}
		for _, f := range grid {
			if err := aw.AddFrame(f.Data); err != nil {
				aw.Close()
				return fmt.Errorf("add frame at %s: %w", f.Offset, err)
			}
		}
		return aw.Close()
	})
}

// ResampleCFR maps frames onto a constant-rate grid starting at the session
// start: slot i (at i/fps) holds the latest frame captured at or before it,
// or the first frame for slots before any capture. Late ticks become
// duplicates and bursts are dropped. The grid ends at the slot holding the
// last frame.
func ResampleCFR(frames []media.VideoFrame, fps int) []media.VideoFrame {
	if len(frames) == 0 || fps <= 0 {
		return nil
	}
	last := frames[len(frames)-1].Offset
	if last < 0 {
		last = 0
	}
	slots := int(int64(last)*int64(fps)/int64(time.Second)) + 1

	out := make([]media.VideoFrame, slots)
	j := 0
	for i := range out {
		at := time.Duration(int64(i) * int64(time.Second) / int64(fps))
		for j+1 < len(frames) && frames[j+1].Offset <= at {
			j++
		}
		out[i] = frames[j]
		out[i].Offset = at
	}
	return out
}

// MeasuredRate is the average capture rate over the captured span, zero
// when fewer than two frames were captured.
func MeasuredRate(frames []media.VideoFrame) float64 {
	if len(frames) < 2 {
		return 0
	}
	span := frames[len(frames)-1].Offset - frames[0].Offset
	if span <= 0 {
		return 0
	}
	return float64(len(frames)-1) / span.Seconds()
}

// atomicWrite runs write against a temporary sibling of path and renames it
// into place on success.
func atomicWrite(path string, write func(tmp string) error) error {
	tmp := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
