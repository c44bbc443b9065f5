// Package manifest records what happened in a recording session next to its
// files, so a failed or degraded session can be recovered by hand.
package manifest

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meetcap/meetcap/internal/delivery"
	"github.com/meetcap/meetcap/internal/health"
)

const Version = 1

type Manifest struct {
	Version   int       `yaml:"version"`
	SessionID string    `yaml:"sessionId"`
	Meeting   string    `yaml:"meeting"`
	State     string    `yaml:"state"`
	Reason    string    `yaml:"reason,omitempty"`
	Trigger   string    `yaml:"stopTrigger,omitempty"`
	Degraded  bool      `yaml:"degraded"`
	CreatedAt time.Time `yaml:"createdAt"`
	EndedAt   time.Time `yaml:"endedAt"`

	Files Files      `yaml:"files"`
	Audio AudioTrack `yaml:"audio"`
	Video VideoTrack `yaml:"video"`

	Health   []health.Check    `yaml:"health,omitempty"`
	Delivery []delivery.Result `yaml:"delivery,omitempty"`
}

// Files lists the session's paths. Raw paths are only set while the raw
// files remain on disk.
type Files struct {
	Audio string `yaml:"audio,omitempty"`
	Video string `yaml:"video,omitempty"`
	Final string `yaml:"final,omitempty"`
}

type AudioTrack struct {
	Device     string        `yaml:"device,omitempty"`
	SampleRate int           `yaml:"sampleRate,omitempty"`
	Channels   int           `yaml:"channels,omitempty"`
	Chunks     int           `yaml:"chunks"`
	Duration   time.Duration `yaml:"duration"`
}

// VideoTrack describes the captured frames. FPS is the constant rate of the
// written track; CaptureRate is what the capture loop achieved.
type VideoTrack struct {
	Frames      int           `yaml:"frames"`
	FPS         int           `yaml:"fps,omitempty"`
	CaptureRate float64       `yaml:"captureRate,omitempty"`
	Width       int           `yaml:"width,omitempty"`
	Height      int           `yaml:"height,omitempty"`
	Span        time.Duration `yaml:"span"`
	Fallbacks   uint64        `yaml:"regionFallbacks,omitempty"`
	Dropped     uint64        `yaml:"dropped,omitempty"`
}

// RedactURL keeps scheme, host and path. Query strings and fragments often
// carry meeting passcodes.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
}

// Write stores m at path, replacing any previous manifest atomically.
func Write(path string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = Version
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
