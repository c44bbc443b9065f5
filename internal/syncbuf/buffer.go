// Package syncbuf accumulates timestamped audio chunks and video frames from
// two independent producers until the session controller drains them.
package syncbuf

import (
	"errors"
	"sync"
	"time"

	"github.com/meetcap/meetcap/internal/media"
)

// ErrSealed is returned when a producer appends after its stream was sealed.
var ErrSealed = errors.New("stream sealed")

// Buffer holds one append-only sequence per stream. Each stream has a single
// writer; the lock only separates append from drain and seal.
type Buffer struct {
	audio stream[media.AudioChunk]
	video stream[media.VideoFrame]
}

func New() *Buffer {
	return &Buffer{}
}

// AppendAudio stores a chunk. Offsets that would go backwards are raised to
// the previous offset so the stream stays non-decreasing.
func (b *Buffer) AppendAudio(c media.AudioChunk) error {
	return b.audio.append(c, func(c *media.AudioChunk, last time.Duration) bool {
		if c.Offset < last {
			c.Offset = last
			return true
		}
		return false
	}, func(c media.AudioChunk) time.Duration { return c.Offset })
}

// AppendVideo stores a frame with the same ordering rule as AppendAudio.
func (b *Buffer) AppendVideo(f media.VideoFrame) error {
	return b.video.append(f, func(f *media.VideoFrame, last time.Duration) bool {
		if f.Offset < last {
			f.Offset = last
			return true
		}
		return false
	}, func(f media.VideoFrame) time.Duration { return f.Offset })
}

// SealAudio marks the audio producer as terminated.
func (b *Buffer) SealAudio() { b.audio.seal() }

// SealVideo marks the video producer as terminated.
func (b *Buffer) SealVideo() { b.video.seal() }

// DrainAudio returns every chunk appended so far in arrival order and empties
// the stream.
func (b *Buffer) DrainAudio() []media.AudioChunk { return b.audio.drain() }

// DrainVideo returns every frame appended so far in arrival order and empties
// the stream.
func (b *Buffer) DrainVideo() []media.VideoFrame { return b.video.drain() }

// Stats reports current lengths and how many offsets were raised.
func (b *Buffer) Stats() Stats {
	a, ar := b.audio.stats()
	v, vr := b.video.stats()
	return Stats{AudioChunks: a, VideoFrames: v, AudioReordered: ar, VideoReordered: vr}
}

type Stats struct {
	AudioChunks    int
	VideoFrames    int
	AudioReordered int
	VideoReordered int
}

type stream[T any] struct {
	mu        sync.Mutex
	items     []T
	last      time.Duration
	sealed    bool
	reordered int
}

func (s *stream[T]) append(item T, clamp func(*T, time.Duration) bool, offset func(T) time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrSealed
	}
	if clamp(&item, s.last) {
		s.reordered++
	}
	s.last = offset(item)
	s.items = append(s.items, item)
	return nil
}

func (s *stream[T]) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *stream[T]) drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.items
	s.items = nil
	if out == nil {
		out = []T{}
	}
	return out
}

func (s *stream[T]) stats() (n, reordered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), s.reordered
}
