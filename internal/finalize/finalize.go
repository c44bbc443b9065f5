// Package finalize writes buffered tracks to per-track containers and merges
// them into the delivered file with ffmpeg.
package finalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/media"
)

var log = logging.L("finalize")

// ErrMergeUnavailable is returned when ffmpeg is missing or the merge fails.
// The raw per-track files are left on disk.
var ErrMergeUnavailable = errors.New("merge unavailable")

// Paths names the three files of one session.
type Paths struct {
	Audio string
	Video string
	Final string
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
	// KeepRaw keeps the per-track files after a successful merge.
	KeepRaw bool
	// NominalFPS is the constant rate of the raw video track; captured
	// frames are resampled onto it.
	NominalFPS int
}

type Finalizer struct {
	cfg Config
}

func New(cfg Config) *Finalizer {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.NominalFPS <= 0 {
		cfg.NominalFPS = 15
	}
	return &Finalizer{cfg: cfg}
}

// Finalize writes both tracks, merges them and returns the final path.
func (f *Finalizer) Finalize(ctx context.Context, audio []media.AudioChunk, video []media.VideoFrame, paths Paths) (string, error) {
	start := time.Now()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := WriteWAV(paths.Audio, audio); err != nil {
			return fmt.Errorf("write audio track: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := WriteAVI(paths.Video, video, f.cfg.NominalFPS); err != nil {
			return fmt.Errorf("write video track: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	log.Info("raw tracks written",
		"audio", paths.Audio,
		"audioDuration", media.AudioDuration(audio),
		"video", paths.Video,
		"frames", len(video),
		"fps", f.cfg.NominalFPS,
		"captureRate", fmt.Sprintf("%.2f", MeasuredRate(video)),
	)

	if err := f.Merge(ctx, paths); err != nil {
		return "", err
	}

	if !f.cfg.KeepRaw {
		for _, p := range []string{paths.Audio, paths.Video} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to remove raw track", "path", p, logging.KeyError, err)
			}
		}
	}

	log.Info("recording finalized", "path", paths.Final, logging.KeyDurationMs, time.Since(start).Milliseconds())
	return paths.Final, nil
}

// MergeArgs builds the ffmpeg argument list: overwrite, video then audio
// input, resample audio to absorb clock drift, copy video, re-encode audio,
// stop at the shorter input.
func MergeArgs(paths Paths) []string {
	return []string{
		"-y",
		"-i", paths.Video,
		"-i", paths.Audio,
		"-af", "aresample=async=1000",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		paths.Final,
	}
}

// Merge runs ffmpeg over already written raw tracks.
func (f *Finalizer) Merge(ctx context.Context, paths Paths) error {
	bin, err := exec.LookPath(f.cfg.FFmpegPath)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg not found (%s): %v", ErrMergeUnavailable, f.cfg.FFmpegPath, err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, MergeArgs(paths)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(paths.Final)
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrMergeUnavailable, err, tail(stderr.String(), 512))
	}
	return nil
}

// Probe returns the container duration reported by ffprobe.
func (f *Finalizer) Probe(ctx context.Context, path string) (time.Duration, error) {
	bin, err := exec.LookPath(f.cfg.FFprobePath)
	if err != nil {
		return 0, fmt.Errorf("ffprobe not found: %w", err)
	}
	out, err := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
