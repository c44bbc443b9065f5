package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoDriver is a Driver backed by miniaudio.
type MalgoDriver struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	ids map[string]malgo.DeviceID
}

// NewMalgoDriver initializes a miniaudio context on the platform's default
// backends.
func NewMalgoDriver() (*MalgoDriver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoDriver{ctx: ctx, ids: make(map[string]malgo.DeviceID)}, nil
}

func (d *MalgoDriver) Devices() ([]DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, fmt.Errorf("audio driver closed")
	}

	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}

	out := make([]DeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		desc := DeviceDescriptor{
			ID:        info.ID.String(),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
		full, err := d.ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared)
		if err == nil {
			for i := 0; i < int(full.FormatCount) && i < len(full.Formats); i++ {
				f := full.Formats[i]
				if int(f.Channels) > desc.MaxInputChannels {
					desc.MaxInputChannels = int(f.Channels)
				}
				if desc.DefaultSampleRate == 0 && f.SampleRate > 0 {
					desc.DefaultSampleRate = int(f.SampleRate)
				}
			}
		}
		// Backends that report no native formats accept anything miniaudio
		// can convert to; assume stereo.
		if desc.MaxInputChannels == 0 {
			desc.MaxInputChannels = 2
		}
		d.ids[desc.ID] = info.ID
		out = append(out, desc)
	}
	return out, nil
}

func (d *MalgoDriver) Open(cfg StreamConfig, fn DataFunc) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, fmt.Errorf("audio driver closed")
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	s := &malgoStream{}
	if id, ok := d.ids[cfg.DeviceID]; ok {
		s.id = id
		devCfg.Capture.DeviceID = s.id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			n := len(input) / 2
			if cap(s.scratch) < n {
				s.scratch = make([]int16, n)
			}
			samples := s.scratch[:n]
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(input[2*i:]))
			}
			fn(samples)
		},
	}

	dev, err := malgo.InitDevice(d.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	s.dev = dev
	return s, nil
}

func (d *MalgoDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

type malgoStream struct {
	id      malgo.DeviceID
	dev     *malgo.Device
	scratch []int16
}

func (s *malgoStream) Start() error { return s.dev.Start() }

func (s *malgoStream) Stop() error { return s.dev.Stop() }

func (s *malgoStream) Close() error {
	s.dev.Uninit()
	return nil
}
