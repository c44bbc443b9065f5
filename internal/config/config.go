package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full recorder configuration. File values are overridden by
// MEETCAP_* environment variables, which are in turn overridden by flags.
type Config struct {
	OutputDir   string        `mapstructure:"output_dir"`
	KeepRaw     bool          `mapstructure:"keep_raw"`
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	FFprobePath string        `mapstructure:"ffprobe_path"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	Video    VideoConfig      `mapstructure:"video"`
	Audio    AudioConfig      `mapstructure:"audio"`
	Presence PresenceConfig   `mapstructure:"presence"`
	Browser  BrowserConfig    `mapstructure:"browser"`
	Log      LogConfig        `mapstructure:"log"`
	Delivery []DeliveryTarget `mapstructure:"delivery"`
}

type VideoConfig struct {
	FPS         int     `mapstructure:"fps"`
	JPEGQuality int     `mapstructure:"jpeg_quality"`
	ScaleFactor float64 `mapstructure:"scale_factor"`
	Display     int     `mapstructure:"display"`
	// Region selects the capture rectangle: "browser", "display" or "fixed".
	Region string       `mapstructure:"region"`
	Fixed  RegionConfig `mapstructure:"fixed"`
}

type RegionConfig struct {
	X      int `mapstructure:"x"`
	Y      int `mapstructure:"y"`
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type AudioConfig struct {
	// Device is an explicit driver device ID; empty selects the default input.
	Device          string        `mapstructure:"device"`
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
}

type PresenceConfig struct {
	// Source is "browser", "websocket" or "none".
	Source          string        `mapstructure:"source"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MinParticipants int           `mapstructure:"min_participants"`
	EmptyTimeout    time.Duration `mapstructure:"empty_timeout"`
	WebsocketURL    string        `mapstructure:"websocket_url"`
	// WebsocketGrace is how long the last count is trusted after the feed
	// connection drops.
	WebsocketGrace time.Duration `mapstructure:"websocket_grace"`
}

type BrowserConfig struct {
	ExecPath    string        `mapstructure:"exec_path"`
	Headless    bool          `mapstructure:"headless"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	// JoinScript runs after navigation and must evaluate to true once the
	// meeting has been joined. Empty means navigation alone counts as joined.
	JoinScript string `mapstructure:"join_script"`
	// ParticipantScript must evaluate to the current participant count.
	ParticipantScript string `mapstructure:"participant_script"`
	WindowWidth       int    `mapstructure:"window_width"`
	WindowHeight      int    `mapstructure:"window_height"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DeliveryTarget is one destination the finished recording is copied to.
type DeliveryTarget struct {
	Provider string `mapstructure:"provider"` // local, s3, gcs, azure, b2
	Path     string `mapstructure:"path"`     // local base directory
	Bucket   string `mapstructure:"bucket"`   // bucket or container name
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	// AccountURL is the Azure Blob service URL.
	AccountURL      string `mapstructure:"account_url"`
	CredentialsFile string `mapstructure:"credentials_file"`
	KeyID           string `mapstructure:"key_id"`
	Key             string `mapstructure:"key"`
}

func Default() *Config {
	return &Config{
		OutputDir:   defaultOutputDir(),
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		StopTimeout: 5 * time.Second,
		Video: VideoConfig{
			FPS:         15,
			JPEGQuality: 75,
			ScaleFactor: 1.0,
			Region:      "browser",
		},
		Audio: AudioConfig{
			SampleRate:      44100,
			Channels:        2,
			LivenessTimeout: 500 * time.Millisecond,
		},
		Presence: PresenceConfig{
			Source:          "browser",
			PollInterval:    time.Second,
			MinParticipants: 2,
			EmptyTimeout:    30 * time.Second,
			WebsocketGrace:  10 * time.Second,
		},
		Browser: BrowserConfig{
			JoinTimeout:  60 * time.Second,
			WindowWidth:  1280,
			WindowHeight: 800,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads cfgFile, or meetcap.yaml from the user config directory or the
// working directory when cfgFile is empty. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("meetcap")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MEETCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.OutputDir = expandTilde(cfg.OutputDir)
	cfg.Log.File = expandTilde(cfg.Log.File)
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("keep_raw", cfg.KeepRaw)
	v.SetDefault("ffmpeg_path", cfg.FFmpegPath)
	v.SetDefault("ffprobe_path", cfg.FFprobePath)
	v.SetDefault("stop_timeout", cfg.StopTimeout)

	v.SetDefault("video.fps", cfg.Video.FPS)
	v.SetDefault("video.jpeg_quality", cfg.Video.JPEGQuality)
	v.SetDefault("video.scale_factor", cfg.Video.ScaleFactor)
	v.SetDefault("video.display", cfg.Video.Display)
	v.SetDefault("video.region", cfg.Video.Region)

	v.SetDefault("audio.device", cfg.Audio.Device)
	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.channels", cfg.Audio.Channels)
	v.SetDefault("audio.liveness_timeout", cfg.Audio.LivenessTimeout)

	v.SetDefault("presence.source", cfg.Presence.Source)
	v.SetDefault("presence.poll_interval", cfg.Presence.PollInterval)
	v.SetDefault("presence.min_participants", cfg.Presence.MinParticipants)
	v.SetDefault("presence.empty_timeout", cfg.Presence.EmptyTimeout)
	v.SetDefault("presence.websocket_url", cfg.Presence.WebsocketURL)
	v.SetDefault("presence.websocket_grace", cfg.Presence.WebsocketGrace)

	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.user_data_dir", cfg.Browser.UserDataDir)
	v.SetDefault("browser.join_timeout", cfg.Browser.JoinTimeout)
	v.SetDefault("browser.join_script", cfg.Browser.JoinScript)
	v.SetDefault("browser.participant_script", cfg.Browser.ParticipantScript)
	v.SetDefault("browser.window_width", cfg.Browser.WindowWidth)
	v.SetDefault("browser.window_height", cfg.Browser.WindowHeight)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "meetcap")
	}
	return ""
}

// defaultOutputDir is ~/Documents/meetcap, or ./recordings without a home.
func defaultOutputDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Documents", "meetcap")
	}
	return filepath.Join(".", "recordings")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
