package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetcap/meetcap/internal/health"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/media"
)

var log = logging.L("capture")

// maxConsecutiveFailures is how many ticks in a row may fail to produce any
// image (region and full-display fallback both failing) before the source
// reports a fatal error.
const maxConsecutiveFailures = 50

var ErrInvalidFPS = errors.New("invalid fps")

// Sink receives captured frames. syncbuf.Buffer satisfies it.
type Sink interface {
	AppendVideo(media.VideoFrame) error
}

type Options struct {
	FPS      int
	Capturer ScreenCapturer
	Regions  RegionProvider
	Encoder  *FrameEncoder
	Sink     Sink
	// Start is the session start; frame offsets are measured from it.
	Start  time.Time
	Health *health.Monitor
	// OnFatal is called at most once, from the capture goroutine, when the
	// loop gives up.
	OnFatal func(error)
}

// Stats counts what happened to each tick.
type Stats struct {
	Captured  uint64
	Dropped   uint64
	Fallbacks uint64
	Failures  uint64
}

// FrameSource samples the meeting region on a fixed-rate ticker and appends
// encoded frames to its sink until stopped.
type FrameSource struct {
	opts     Options
	interval time.Duration

	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	captured  atomic.Uint64
	dropped   atomic.Uint64
	fallbacks atomic.Uint64
	failures  atomic.Uint64

	lastOffset time.Duration
	closeErr   error
}

// Start validates opts and launches the capture loop.
func Start(ctx context.Context, opts Options) (*FrameSource, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFPS, opts.FPS)
	}
	if opts.Capturer == nil || opts.Encoder == nil || opts.Sink == nil {
		return nil, errors.New("capture: capturer, encoder and sink are required")
	}
	if opts.Regions == nil {
		opts.Regions = FullDisplay{}
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}

	s := &FrameSource{
		opts:     opts,
		interval: time.Second / time.Duration(opts.FPS),
		signal:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop(ctx)

	log.Info("frame source started", "fps", opts.FPS, "interval", s.interval)
	return s, nil
}

// Signal asks the loop to exit after the current tick. It does not wait.
func (s *FrameSource) Signal() {
	s.stopOnce.Do(func() { close(s.signal) })
}

// Done is closed once the loop has exited and the encoder is closed.
func (s *FrameSource) Done() <-chan struct{} {
	return s.done
}

// Stop signals the loop and waits for it to finish.
func (s *FrameSource) Stop() error {
	s.Signal()
	<-s.done
	return s.closeErr
}

func (s *FrameSource) Stats() Stats {
	return Stats{
		Captured:  s.captured.Load(),
		Dropped:   s.dropped.Load(),
		Fallbacks: s.fallbacks.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *FrameSource) loop(ctx context.Context) {
	defer func() {
		s.closeErr = s.opts.Encoder.Close()
		st := s.Stats()
		log.Info("frame source stopped",
			"captured", st.Captured,
			"dropped", st.Dropped,
			"fallbacks", st.Fallbacks,
			"failures", st.Failures,
		)
		close(s.done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-s.signal:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := s.tick(ctx, now)
			switch {
			case err == nil:
				consecutive = 0
			case errors.Is(err, errSinkClosed):
				return
			case errors.Is(err, errNoImage):
				consecutive++
				if consecutive >= maxConsecutiveFailures {
					s.fatal(fmt.Errorf("capture failed %d ticks in a row: %w", consecutive, err))
					return
				}
			}
		}
	}
}

var (
	errNoImage    = errors.New("no image captured")
	errSinkClosed = errors.New("sink closed")
)

// tick captures, encodes and appends one frame. Recoverable problems are
// logged and counted; only errNoImage and errSinkClosed are returned.
func (s *FrameSource) tick(ctx context.Context, now time.Time) error {
	img, err := s.grab(ctx)
	if err != nil {
		s.failures.Add(1)
		log.Warn("frame capture failed", logging.KeyError, err)
		return fmt.Errorf("%w: %v", errNoImage, err)
	}

	if img == nil || img.Bounds().Empty() {
		s.dropped.Add(1)
		s.degraded("captured image decoded to zero size")
		log.Warn("empty frame captured, dropping")
		return nil
	}

	data, w, h, err := s.opts.Encoder.Encode(img)
	if err != nil {
		s.dropped.Add(1)
		s.degraded("frame encode failed")
		log.Warn("frame encode failed, dropping", logging.KeyError, err)
		return nil
	}

	offset := now.Sub(s.opts.Start)
	if offset < s.lastOffset {
		offset = s.lastOffset
	}
	s.lastOffset = offset

	if err := s.opts.Sink.AppendVideo(media.VideoFrame{Offset: offset, Data: data, Width: w, Height: h}); err != nil {
		log.Warn("video sink rejected frame, stopping", logging.KeyError, err)
		return fmt.Errorf("%w: %v", errSinkClosed, err)
	}
	s.captured.Add(1)
	return nil
}

// grab captures the provider's region, falling back to the full display when
// the lookup fails, reports an empty region or the region capture fails.
func (s *FrameSource) grab(ctx context.Context) (*image.RGBA, error) {
	if _, whole := s.opts.Regions.(FullDisplay); whole {
		return s.opts.Capturer.Capture()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.interval)
	region, err := s.opts.Regions.CurrentCaptureRegion(lookupCtx)
	cancel()
	if err == nil && region.Empty() {
		err = fmt.Errorf("%w: empty region %s", ErrRegionUnavailable, region)
	}

	if err == nil {
		img, capErr := s.opts.Capturer.CaptureRegion(region.X, region.Y, region.Width, region.Height)
		if capErr == nil {
			return img, nil
		}
		err = capErr
	}
	s.fallbacks.Add(1)
	s.degraded("capture region unavailable, using full display")
	log.Debug("region capture failed, falling back to full display", logging.KeyError, err)
	return s.opts.Capturer.Capture()
}

func (s *FrameSource) degraded(msg string) {
	if s.opts.Health != nil {
		s.opts.Health.Update(health.Video, health.Degraded, msg)
	}
}

func (s *FrameSource) fatal(err error) {
	log.Error("frame source giving up", logging.KeyError, err)
	if s.opts.Health != nil {
		s.opts.Health.Update(health.Video, health.Failed, err.Error())
	}
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}
