package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var knownRegions = map[string]bool{
	"browser": true,
	"display": true,
	"fixed":   true,
}

var knownPresenceSources = map[string]bool{
	"browser":   true,
	"websocket": true,
	"none":      true,
}

var knownProviders = map[string]bool{
	"local": true,
	"s3":    true,
	"gcs":   true,
	"azure": true,
	"b2":    true,
}

// ValidationResult splits problems into those that prevent a recording from
// starting and those that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// Validate checks the config and returns all problems found, fatal first.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	return append(r.Fatals, r.Warnings...)
}

// ValidateTiered checks the config for invalid values. Values that would
// break the capture loops (zero fps, zero intervals) are clamped to safe
// defaults and reported as warnings. Unusable presence or delivery settings
// are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var errs, fatals []error

	if c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("output_dir is empty, using %s", defaultOutputDir()))
		c.OutputDir = defaultOutputDir()
	}

	if c.Video.FPS < 1 {
		errs = append(errs, fmt.Errorf("video.fps %d is below minimum 1, clamping", c.Video.FPS))
		c.Video.FPS = 1
	} else if c.Video.FPS > 60 {
		errs = append(errs, fmt.Errorf("video.fps %d exceeds maximum 60, clamping", c.Video.FPS))
		c.Video.FPS = 60
	}

	if c.Video.JPEGQuality < 1 || c.Video.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("video.jpeg_quality %d out of range 1-100, using 75", c.Video.JPEGQuality))
		c.Video.JPEGQuality = 75
	}

	if c.Video.ScaleFactor <= 0 || c.Video.ScaleFactor > 1 {
		errs = append(errs, fmt.Errorf("video.scale_factor %.2f out of range (0,1], using 1.0", c.Video.ScaleFactor))
		c.Video.ScaleFactor = 1.0
	}

	c.Video.Region = strings.ToLower(c.Video.Region)
	if !knownRegions[c.Video.Region] {
		errs = append(errs, fmt.Errorf("video.region %q is not valid (use browser, display or fixed), using display", c.Video.Region))
		c.Video.Region = "display"
	}
	if c.Video.Region == "fixed" && (c.Video.Fixed.Width <= 0 || c.Video.Fixed.Height <= 0) {
		errs = append(errs, fmt.Errorf("video.fixed region %dx%d is empty, using display", c.Video.Fixed.Width, c.Video.Fixed.Height))
		c.Video.Region = "display"
	}

	if c.Audio.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is below minimum 8000, clamping", c.Audio.SampleRate))
		c.Audio.SampleRate = 8000
	} else if c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d exceeds maximum 192000, clamping", c.Audio.SampleRate))
		c.Audio.SampleRate = 192000
	}

	if c.Audio.Channels < 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is below minimum 1, clamping", c.Audio.Channels))
		c.Audio.Channels = 1
	} else if c.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d exceeds maximum 8, clamping", c.Audio.Channels))
		c.Audio.Channels = 8
	}

	c.Audio.LivenessTimeout = clampDuration(&errs, "audio.liveness_timeout", c.Audio.LivenessTimeout, 50*time.Millisecond, 10*time.Second)
	c.StopTimeout = clampDuration(&errs, "stop_timeout", c.StopTimeout, 100*time.Millisecond, 2*time.Minute)
	c.Presence.PollInterval = clampDuration(&errs, "presence.poll_interval", c.Presence.PollInterval, 100*time.Millisecond, time.Minute)
	c.Presence.EmptyTimeout = clampDuration(&errs, "presence.empty_timeout", c.Presence.EmptyTimeout, time.Second, 24*time.Hour)
	c.Presence.WebsocketGrace = clampDuration(&errs, "presence.websocket_grace", c.Presence.WebsocketGrace, time.Second, 5*time.Minute)
	c.Browser.JoinTimeout = clampDuration(&errs, "browser.join_timeout", c.Browser.JoinTimeout, time.Second, 10*time.Minute)

	if c.Presence.MinParticipants < 1 {
		errs = append(errs, fmt.Errorf("presence.min_participants %d is below minimum 1, clamping", c.Presence.MinParticipants))
		c.Presence.MinParticipants = 1
	}

	c.Presence.Source = strings.ToLower(c.Presence.Source)
	if !knownPresenceSources[c.Presence.Source] {
		errs = append(errs, fmt.Errorf("presence.source %q is not valid (use browser, websocket or none), using browser", c.Presence.Source))
		c.Presence.Source = "browser"
	}
	if c.Presence.Source == "websocket" {
		if u, err := url.Parse(c.Presence.WebsocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			fatals = append(fatals, fmt.Errorf("presence.websocket_url %q must be a ws:// or wss:// URL", c.Presence.WebsocketURL))
		}
	}

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
	}

	for i, d := range c.Delivery {
		if !knownProviders[strings.ToLower(d.Provider)] {
			fatals = append(fatals, fmt.Errorf("delivery[%d]: unknown provider %q", i, d.Provider))
			continue
		}
		switch strings.ToLower(d.Provider) {
		case "local":
			if d.Path == "" {
				fatals = append(fatals, fmt.Errorf("delivery[%d]: local provider requires path", i))
			}
		case "azure":
			if d.AccountURL == "" || d.Bucket == "" {
				fatals = append(fatals, fmt.Errorf("delivery[%d]: azure provider requires account_url and bucket", i))
			}
		default:
			if d.Bucket == "" {
				fatals = append(fatals, fmt.Errorf("delivery[%d]: %s provider requires bucket", i, d.Provider))
			}
		}
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return ValidationResult{Fatals: fatals, Warnings: errs}
}

func clampDuration(errs *[]error, key string, v, min, max time.Duration) time.Duration {
	if v < min {
		*errs = append(*errs, fmt.Errorf("%s %s is below minimum %s, clamping", key, v, min))
		return min
	}
	if v > max {
		*errs = append(*errs, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, v, max))
		return max
	}
	return v
}
