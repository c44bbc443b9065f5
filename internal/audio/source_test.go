package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meetcap/meetcap/internal/media"
)

type fakeStream struct {
	mu       sync.Mutex
	fn       DataFunc
	cfg      StreamConfig
	silent   bool
	started  bool
	stopped  bool
	closed   bool
	calls    []string
	quit     chan struct{}
	wg       sync.WaitGroup
	chunkLen int
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	s.started = true
	s.calls = append(s.calls, "start")
	s.mu.Unlock()
	if s.silent {
		return nil
	}
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-s.quit:
				return
			case <-t.C:
				s.fn(make([]int16, s.chunkLen))
			}
		}
	}()
	return nil
}

func (s *fakeStream) Stop() error {
	if s.quit != nil {
		close(s.quit)
		s.wg.Wait()
	}
	// A real driver delivers its last buffer while stopping.
	if !s.silent {
		s.fn(make([]int16, s.chunkLen))
	}
	s.mu.Lock()
	s.stopped = true
	s.calls = append(s.calls, "stop")
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.calls = append(s.calls, "close")
	return nil
}

type fakeDriver struct {
	devices []DeviceDescriptor
	silent  bool
	opened  []*fakeStream
}

func (d *fakeDriver) Devices() ([]DeviceDescriptor, error) { return d.devices, nil }

func (d *fakeDriver) Open(cfg StreamConfig, fn DataFunc) (Stream, error) {
	s := &fakeStream{fn: fn, cfg: cfg, silent: d.silent, chunkLen: 441 * cfg.Channels}
	d.opened = append(d.opened, s)
	return s, nil
}

func (d *fakeDriver) Close() error { return nil }

type chunkSink struct {
	mu     sync.Mutex
	chunks []media.AudioChunk
}

func (c *chunkSink) AppendAudio(ch media.AudioChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
	return nil
}

func (c *chunkSink) snapshot() []media.AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.AudioChunk(nil), c.chunks...)
}

var mic = DeviceDescriptor{ID: "mic", Name: "Built-in Mic", MaxInputChannels: 1, DefaultSampleRate: 48000, IsDefault: true}

func TestStartWithoutInputDevicesOpensNothing(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceDescriptor{
		{ID: "spk", Name: "Speakers", MaxInputChannels: 0},
	}}
	_, err := Start(context.Background(), Options{Driver: drv, Sink: &chunkSink{}, SampleRate: 44100, Channels: 2})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if len(drv.opened) != 0 {
		t.Fatalf("opened %d streams, want 0", len(drv.opened))
	}

	drv.devices = nil
	if _, err := Start(context.Background(), Options{Driver: drv, Sink: &chunkSink{}}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("empty device list: err = %v", err)
	}
}

func TestDefaultSelector(t *testing.T) {
	tests := []struct {
		name    string
		devices []DeviceDescriptor
		want    string
		wantErr bool
	}{
		{
			name: "system default",
			devices: []DeviceDescriptor{
				{ID: "a", MaxInputChannels: 2},
				{ID: "b", MaxInputChannels: 1, IsDefault: true},
			},
			want: "b",
		},
		{
			name: "first input when no default",
			devices: []DeviceDescriptor{
				{ID: "out", MaxInputChannels: 0, IsDefault: true},
				{ID: "a", MaxInputChannels: 2},
				{ID: "b", MaxInputChannels: 1},
			},
			want: "a",
		},
		{
			name:    "none",
			devices: []DeviceDescriptor{{ID: "out"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DefaultSelector(tt.devices)
			if tt.wantErr {
				if !errors.Is(err, ErrDeviceUnavailable) {
					t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != tt.want {
				t.Fatalf("selected %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestByID(t *testing.T) {
	devs := []DeviceDescriptor{mic, {ID: "usb", Name: "USB Headset", MaxInputChannels: 2}}
	got, err := ByID("USB Headset")(devs)
	if err != nil || got.ID != "usb" {
		t.Fatalf("ByID by name = %+v, %v", got, err)
	}
	if _, err := ByID("nope")(devs); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestNegotiateNarrowsChannels(t *testing.T) {
	cfg := negotiate(mic, 44100, 2)
	if cfg.Channels != 1 {
		t.Fatalf("channels = %d, want 1", cfg.Channels)
	}
	if cfg.SampleRate != 44100 {
		t.Fatalf("sample rate = %d", cfg.SampleRate)
	}
	cfg = negotiate(DeviceDescriptor{MaxInputChannels: 8, DefaultSampleRate: 48000}, 0, 2)
	if cfg.Channels != 2 || cfg.SampleRate != 48000 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSilentDeviceFailsLivenessCheck(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceDescriptor{mic}, silent: true}
	start := time.Now()
	_, err := Start(context.Background(), Options{
		Driver: drv, Sink: &chunkSink{}, LivenessTimeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("liveness check not bounded")
	}
	if s := drv.opened[0]; !s.stopped || !s.closed {
		t.Fatalf("stream not released: stopped=%v closed=%v", s.stopped, s.closed)
	}
}

func TestRecordsChunksAndStopsInOrder(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceDescriptor{mic}}
	sink := &chunkSink{}

	src, err := Start(context.Background(), Options{
		Driver: drv, Sink: sink, SampleRate: 44100, Channels: 2,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.Format().Channels != 1 {
		t.Fatalf("negotiated channels = %d, want 1", src.Format().Channels)
	}
	time.Sleep(30 * time.Millisecond)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	src.Stop()

	chunks := sink.snapshot()
	if len(chunks) < 2 {
		t.Fatalf("sink has %d chunks, want at least 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Channels != 1 || c.SampleRate != 44100 {
			t.Fatalf("chunk %d format %d/%d", i, c.Channels, c.SampleRate)
		}
		if i > 0 && c.Offset < chunks[i-1].Offset {
			t.Fatalf("chunk %d offset %v before %v", i, c.Offset, chunks[i-1].Offset)
		}
	}

	stream := drv.opened[0]
	want := []string{"start", "stop", "close"}
	if len(stream.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", stream.calls, want)
	}
	for i := range want {
		if stream.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", stream.calls, want)
		}
	}
}
