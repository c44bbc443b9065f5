// Package browser drives a Chrome window into a meeting and answers the
// recorder's questions about it: did the join succeed, how many people are
// present, and where on screen the meeting is.
//
// No conferencing vendor's page structure is built in. Join detection and
// participant counting are JavaScript expressions supplied by configuration.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"github.com/meetcap/meetcap/internal/capture"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/media"
)

var log = logging.L("browser")

var (
	ErrInvalidURL          = errors.New("invalid meeting url")
	ErrJoinTimeout         = errors.New("join not confirmed before timeout")
	ErrNoParticipantScript = errors.New("no participant script configured")
	ErrClosed              = errors.New("browser closed")
)

const joinPollInterval = 500 * time.Millisecond

type Config struct {
	ExecPath          string
	Headless          bool
	UserDataDir       string
	JoinTimeout       time.Duration
	JoinScript        string
	ParticipantScript string
	WindowWidth       int
	WindowHeight      int
}

// Session is one browser window attached to one meeting.
type Session struct {
	cfg Config

	mu          sync.Mutex
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closed      bool
}

// New prepares a browser allocator. Chrome itself starts on Join.
func New(cfg Config) *Session {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Minute
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1280, 800
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		// Meetings ask for camera and microphone; grant without a prompt.
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("disable-notifications", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		}),
	)
	return &Session{cfg: cfg, ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}
}

// run executes actions on the tab, bounded by both the caller's context and
// the session lifetime.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tab := s.ctx
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Join opens the meeting URL and, when a join script is configured, waits
// until it evaluates to true.
func (s *Session) Join(ctx context.Context, meetingURL string) error {
	u, err := url.Parse(meetingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, meetingURL)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	log.Info("opening meeting", "host", u.Host)
	if err := s.run(ctx, chromedp.Navigate(meetingURL)); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if s.cfg.JoinScript == "" {
		return nil
	}

	ticker := time.NewTicker(joinPollInterval)
	defer ticker.Stop()
	for {
		var joined bool
		err := s.run(ctx, chromedp.Evaluate(s.cfg.JoinScript, &joined))
		if err == nil && joined {
			log.Info("meeting joined")
			return nil
		}
		if err != nil {
			log.Debug("join script not ready", logging.KeyError, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (%s)", ErrJoinTimeout, s.cfg.JoinTimeout)
		case <-ticker.C:
		}
	}
}

// ParticipantCount evaluates the participant script in the meeting tab.
func (s *Session) ParticipantCount(ctx context.Context) (int, error) {
	if s.cfg.ParticipantScript == "" {
		return 0, ErrNoParticipantScript
	}
	var n float64
	if err := s.run(ctx, chromedp.Evaluate(s.cfg.ParticipantScript, &n)); err != nil {
		return 0, fmt.Errorf("participant script: %w", err)
	}
	if n < 0 || math.IsNaN(n) {
		return 0, fmt.Errorf("participant script returned %v", n)
	}
	return int(n), nil
}

// CurrentCaptureRegion returns the on-screen bounds of the browser window.
func (s *Session) CurrentCaptureRegion(ctx context.Context) (media.Region, error) {
	var bounds *cdpbrowser.Bounds
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, b, err := cdpbrowser.GetWindowForTarget().Do(ctx)
		bounds = b
		return err
	}))
	if err != nil {
		return media.Region{}, fmt.Errorf("%w: %v", capture.ErrRegionUnavailable, err)
	}
	return boundsToRegion(bounds)
}

func boundsToRegion(b *cdpbrowser.Bounds) (media.Region, error) {
	if b == nil {
		return media.Region{}, capture.ErrRegionUnavailable
	}
	if b.WindowState == cdpbrowser.WindowStateMinimized {
		return media.Region{}, fmt.Errorf("%w: window minimized", capture.ErrRegionUnavailable)
	}
	r := media.Region{X: int(b.Left), Y: int(b.Top), Width: int(b.Width), Height: int(b.Height)}
	if r.Empty() {
		return media.Region{}, fmt.Errorf("%w: window has no area", capture.ErrRegionUnavailable)
	}
	return r, nil
}

// Close shuts the tab and the browser. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Give Chrome a moment to close the tab gracefully before the process
	// is killed with the allocator.
	done := make(chan struct{})
	go func() {
		chromedp.Cancel(s.ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}
	s.cancelTab()
	s.cancelAlloc()
	return nil
}
