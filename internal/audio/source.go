package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetcap/meetcap/internal/health"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/media"
)

var log = logging.L("audio")

const DefaultLivenessTimeout = 500 * time.Millisecond

// Sink receives audio chunks. syncbuf.Buffer satisfies it.
type Sink interface {
	AppendAudio(media.AudioChunk) error
}

type Options struct {
	Driver     Driver
	Selector   Selector
	SampleRate int
	Channels   int
	Sink       Sink
	// Start is the session start; chunk offsets are measured from it.
	Start           time.Time
	LivenessTimeout time.Duration
	Health          *health.Monitor
}

// Source is a running capture stream.
type Source struct {
	device DeviceDescriptor
	cfg    StreamConfig
	stream Stream
	sink   Sink
	start  time.Time
	health *health.Monitor

	// mu serializes callbacks so offsets stay monotonic even if a driver
	// delivers from more than one thread.
	mu         sync.Mutex
	lastOffset time.Duration

	alive     chan struct{}
	aliveOnce sync.Once

	chunks   atomic.Uint64
	rejected atomic.Uint64

	stopOnce sync.Once
	stopErr  error
}

// Start selects a device, opens a stream with the negotiated format and
// waits for the first chunk. No stream is opened when the driver reports no
// input-capable device.
func Start(ctx context.Context, opts Options) (*Source, error) {
	if opts.Driver == nil || opts.Sink == nil {
		return nil, errors.New("audio: driver and sink are required")
	}
	if opts.Selector == nil {
		opts.Selector = DefaultSelector
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	devices, err := opts.Driver.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	if len(Inputs(devices)) == 0 {
		return nil, fmt.Errorf("%w: no input-capable devices", ErrDeviceUnavailable)
	}
	device, err := opts.Selector(devices)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	cfg := negotiate(device, opts.SampleRate, opts.Channels)
	s := &Source{
		device: device,
		cfg:    cfg,
		sink:   opts.Sink,
		start:  opts.Start,
		health: opts.Health,
		alive:  make(chan struct{}),
	}

	stream, err := opts.Driver.Open(cfg, s.onData)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, device.Name, err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, device.Name, err)
	}

	timer := time.NewTimer(opts.LivenessTimeout)
	defer timer.Stop()
	select {
	case <-s.alive:
	case <-timer.C:
		s.Stop()
		return nil, fmt.Errorf("%w: no samples from %s within %s", ErrDeviceUnavailable, device.Name, opts.LivenessTimeout)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}

	log.Info("audio source started",
		"device", device.Name,
		"sampleRate", cfg.SampleRate,
		"channels", cfg.Channels,
	)
	return s, nil
}

// negotiate clamps the requested channel count to what the device supports
// and fills in defaults from the device.
func negotiate(d DeviceDescriptor, rate, channels int) StreamConfig {
	if rate <= 0 {
		rate = d.DefaultSampleRate
	}
	if rate <= 0 {
		rate = 44100
	}
	if channels <= 0 || channels > d.MaxInputChannels {
		channels = d.MaxInputChannels
	}
	return StreamConfig{DeviceID: d.ID, SampleRate: rate, Channels: channels}
}

// onData runs on the driver's thread. It copies, timestamps and appends; no
// I/O and no logging happen here.
func (s *Source) onData(samples []int16) {
	if len(samples) == 0 {
		return
	}
	buf := make([]int16, len(samples))
	copy(buf, samples)
	chunk := media.AudioChunk{
		Samples:    buf,
		Channels:   s.cfg.Channels,
		SampleRate: s.cfg.SampleRate,
	}

	s.mu.Lock()
	// The buffer was filled over the chunk's duration; stamp its start.
	offset := time.Since(s.start) - chunk.Duration()
	if offset < s.lastOffset {
		offset = s.lastOffset
	}
	s.lastOffset = offset + chunk.Duration()
	chunk.Offset = offset
	err := s.sink.AppendAudio(chunk)
	s.mu.Unlock()

	if err != nil {
		s.rejected.Add(1)
		return
	}
	s.chunks.Add(1)
	s.aliveOnce.Do(func() { close(s.alive) })
}

// Device returns the selected device.
func (s *Source) Device() DeviceDescriptor { return s.device }

// Format returns the negotiated stream format.
func (s *Source) Format() StreamConfig { return s.cfg }

// Stop stops the stream, which flushes in-flight buffers through the
// callback, then closes it. Safe to call more than once.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		var errs []error
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.stopErr = errors.Join(errs...)
		if n := s.rejected.Load(); n > 0 && s.health != nil {
			s.health.Update(health.Audio, health.Degraded, fmt.Sprintf("%d chunks rejected by buffer", n))
		}
		log.Info("audio source stopped", "chunks", s.chunks.Load(), "rejected", s.rejected.Load())
	})
	return s.stopErr
}
