// Package audio captures microphone input through a callback-driven driver
// and hands timestamped chunks to a sink.
package audio

import (
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is returned when no usable input device exists or the
// selected device never delivers samples.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// DeviceDescriptor describes one device reported by a Driver.
type DeviceDescriptor struct {
	ID                string
	Name              string
	MaxInputChannels  int
	DefaultSampleRate int
	IsDefault         bool
}

// IsInput reports whether the device can record.
func (d DeviceDescriptor) IsInput() bool { return d.MaxInputChannels > 0 }

func (d DeviceDescriptor) String() string {
	def := ""
	if d.IsDefault {
		def = " (default)"
	}
	return fmt.Sprintf("%s [%s] %dch %dHz%s", d.Name, d.ID, d.MaxInputChannels, d.DefaultSampleRate, def)
}

// StreamConfig is the negotiated format a stream is opened with.
type StreamConfig struct {
	DeviceID   string
	SampleRate int
	Channels   int
}

// DataFunc receives interleaved signed 16-bit samples. The slice is only
// valid for the duration of the call.
type DataFunc func(samples []int16)

// Driver enumerates devices and opens capture streams.
type Driver interface {
	Devices() ([]DeviceDescriptor, error)
	Open(cfg StreamConfig, fn DataFunc) (Stream, error)
	Close() error
}

// Stream is an opened capture stream. Stop flushes pending buffers through
// the callback; Close releases the device.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Selector picks the device to record from. It is evaluated once at start.
type Selector func(devices []DeviceDescriptor) (DeviceDescriptor, error)

// DefaultSelector picks the system default input, or the first input-capable
// device when no default is reported.
func DefaultSelector(devices []DeviceDescriptor) (DeviceDescriptor, error) {
	var first *DeviceDescriptor
	for i := range devices {
		d := devices[i]
		if !d.IsInput() {
			continue
		}
		if d.IsDefault {
			return d, nil
		}
		if first == nil {
			first = &devices[i]
		}
	}
	if first == nil {
		return DeviceDescriptor{}, ErrDeviceUnavailable
	}
	return *first, nil
}

// ByID selects the input device with the given ID or name.
func ByID(id string) Selector {
	return func(devices []DeviceDescriptor) (DeviceDescriptor, error) {
		for _, d := range devices {
			if d.IsInput() && (d.ID == id || d.Name == id) {
				return d, nil
			}
		}
		return DeviceDescriptor{}, fmt.Errorf("%w: no input device %q", ErrDeviceUnavailable, id)
	}
}

// Inputs filters devices down to the input-capable ones.
func Inputs(devices []DeviceDescriptor) []DeviceDescriptor {
	var out []DeviceDescriptor
	for _, d := range devices {
		if d.IsInput() {
			out = append(out, d)
		}
	}
	return out
}
