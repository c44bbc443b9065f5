// Package session runs one meeting recording from join to finalized file.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/capture"
	"github.com/meetcap/meetcap/internal/delivery"
	"github.com/meetcap/meetcap/internal/finalize"
	"github.com/meetcap/meetcap/internal/health"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/manifest"
	"github.com/meetcap/meetcap/internal/media"
	"github.com/meetcap/meetcap/internal/presence"
	"github.com/meetcap/meetcap/internal/syncbuf"
)

var log = logging.L("session")

const DefaultStopTimeout = 5 * time.Second

// Joiner gets the recorder into the meeting and releases whatever it holds
// (a browser, a bot connection) when the session ends.
type Joiner interface {
	Join(ctx context.Context, meetingURL string) error
	Close() error
}

// AudioProducer is a started audio source. *audio.Source satisfies it.
type AudioProducer interface {
	Stop() error
	Device() audio.DeviceDescriptor
	Format() audio.StreamConfig
}

// VideoProducer is a started frame source. *capture.FrameSource satisfies
// it.
type VideoProducer interface {
	Signal()
	Done() <-chan struct{}
	Stats() capture.Stats
}

// Finalizer turns drained tracks into the delivered file.
type Finalizer interface {
	Finalize(ctx context.Context, audio []media.AudioChunk, video []media.VideoFrame, paths finalize.Paths) (string, error)
}

// ProducerEnv is handed to producer constructors.
type ProducerEnv struct {
	Sink   *syncbuf.Buffer
	Start  time.Time
	Health *health.Monitor
	// OnFatal stops the session with TriggerProducerError.
	OnFatal func(error)
}

type Deps struct {
	// Joiner may be nil when the meeting is already open on screen.
	Joiner Joiner
	// Presence is optional; without it only an explicit stop or a producer
	// failure ends the recording.
	Presence   presence.Oracle
	StartAudio func(ctx context.Context, env ProducerEnv) (AudioProducer, error)
	StartVideo func(ctx context.Context, env ProducerEnv) (VideoProducer, error)
	Finalizer  Finalizer
	Deliverer  *delivery.Deliverer
}

type Options struct {
	OutputDir   string
	StopTimeout time.Duration
	Presence    presence.Config
	// FPS is the nominal capture rate and the rate of the written track.
	FPS int
	Now func() time.Time
}

// Result describes how a session ended.
type Result struct {
	Session  RecordingSession
	State    State
	Trigger  Trigger
	Output   string
	Err      error
	Degraded bool
	// Degradations wrap ErrCaptureDegraded (video or audio),
	// ErrPresenceReadFailed or ErrThreadJoinTimeout.
	Degradations []error
	Audio        manifest.AudioTrack
	Video        manifest.VideoTrack
	Delivery     []delivery.Result
}

// Reason is the failure reason shown to the user, empty on success.
func (r *Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Controller owns one RecordingSession. A Controller runs at most once.
type Controller struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	state   State
	trigger Trigger
	stopErr error
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once

	recording chan struct{}
	recOnce   sync.Once

	id     string
	health *health.Monitor
	log    *slog.Logger
}

func New(deps Deps, opts Options) *Controller {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	id := uuid.NewString()
	return &Controller{
		deps:      deps,
		opts:      opts,
		stopCh:    make(chan struct{}),
		recording: make(chan struct{}),
		id:        id,
		health:    health.NewMonitor(),
		log:       logging.WithSession(log, id),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recording is closed once both producers are running.
func (c *Controller) Recording() <-chan struct{} { return c.recording }

// Stop requests the stop path. Only the first call has any effect.
func (c *Controller) Stop(trigger Trigger) {
	c.stopWith(trigger, nil)
}

func (c *Controller) stopWith(trigger Trigger, err error) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.trigger = trigger
		c.stopErr = err
		c.mu.Unlock()
		c.log.Info("stop requested", "trigger", string(trigger))
		close(c.stopCh)
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Info("session state changed", "from", prev.String(), logging.KeyState, s.String())
}

// Run joins the meeting, records until a stop trigger fires and finalizes.
// It returns when the session is FINALIZED or FAILED; the returned error is
// Result.Err.
func (c *Controller) Run(ctx context.Context, meetingURL string) (*Result, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	rs := newRecordingSession(c.id, c.opts.OutputDir, meetingURL, c.opts.Now())
	res := &Result{Session: rs}

	defer func() {
		c.teardown()
		res.State = c.State()
		c.finish(ctx, res)
	}()

	if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
		c.fail(res, fmt.Errorf("create output dir: %w", err))
		return res, res.Err
	}

	c.setState(Joining)
	if err := c.join(ctx, meetingURL); err != nil {
		c.fail(res, err)
		return res, res.Err
	}

	buf := syncbuf.New()
	start := c.opts.Now()
	env := ProducerEnv{
		Sink:   buf,
		Start:  start,
		Health: c.health,
		OnFatal: func(err error) {
			c.stopWith(TriggerProducerError, err)
		},
	}

	// Audio first: a session without audio is not worth recording, and video
	// must not start in that case.
	audioSrc, err := c.deps.StartAudio(ctx, env)
	if err != nil {
		c.fail(res, fmt.Errorf("start audio: %w", err))
		return res, res.Err
	}
	if c.stopRequested() {
		c.stopAudio(audioSrc)
		c.fail(res, ErrStoppedEarly)
		return res, res.Err
	}
	videoSrc, err := c.deps.StartVideo(ctx, env)
	if err != nil {
		c.stopAudio(audioSrc)
		c.fail(res, fmt.Errorf("%w: %v", ErrVideoUnavailable, err))
		return res, res.Err
	}

	var mon *presence.Monitor
	if c.deps.Presence != nil {
		mon = presence.NewMonitor(c.deps.Presence, c.opts.Presence, presence.WithHealth(c.health))
		mon.Start(ctx)
		go func() {
			select {
			case <-mon.StopSignal():
				c.Stop(TriggerPresence)
			case <-mon.Done():
			}
		}()
	}

	c.setState(Recording)
	c.recOnce.Do(func() { close(c.recording) })
	c.log.Info("recording", "audio", res.Session.Paths.Audio, "video", res.Session.Paths.Video)

	select {
	case <-c.stopCh:
	case <-ctx.Done():
		c.Stop(TriggerCancelled)
	}

	c.setState(Stopping)
	c.mu.Lock()
	res.Trigger = c.trigger
	producerErr := c.stopErr
	c.mu.Unlock()
	if producerErr != nil {
		c.log.Warn("stopping after producer failure", logging.KeyError, producerErr)
	}

	if mon != nil {
		mon.Close()
	}
	c.stopProducers(audioSrc, videoSrc)

	// Sealing before draining guarantees a producer that outlived the join
	// timeout cannot append behind the drain.
	buf.SealAudio()
	buf.SealVideo()
	stats := buf.Stats()
	chunks := buf.DrainAudio()
	frames := buf.DrainVideo()
	c.log.Info("buffers drained",
		"audioChunks", len(chunks),
		"videoFrames", len(frames),
		"audioReordered", stats.AudioReordered,
		"videoReordered", stats.VideoReordered,
	)
	c.describeTracks(res, audioSrc, videoSrc, chunks, frames)

	// A cancelled parent context must not abort the merge of what was
	// already captured.
	out, err := c.deps.Finalizer.Finalize(context.WithoutCancel(ctx), chunks, frames, rs.Paths)
	if err != nil {
		c.health.Update(health.Merge, health.Failed, err.Error())
		c.fail(res, fmt.Errorf("finalize: %w", err))
		return res, res.Err
	}

	res.Output = out
	c.setState(Finalized)
	return res, nil
}

// join runs the join collaborator, aborting if a stop arrives first.
func (c *Controller) join(ctx context.Context, meetingURL string) error {
	if c.stopRequested() {
		return ErrStoppedEarly
	}
	if c.deps.Joiner == nil {
		return nil
	}
	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-joinCtx.Done():
		}
	}()

	if err := c.deps.Joiner.Join(joinCtx, meetingURL); err != nil {
		select {
		case <-c.stopCh:
			return ErrStoppedEarly
		default:
		}
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	if c.stopRequested() {
		return ErrStoppedEarly
	}
	return nil
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Controller) stopAudio(a AudioProducer) {
	if err := a.Stop(); err != nil {
		c.log.Warn("audio stop failed", logging.KeyError, err)
	}
}

// stopProducers signals both producers and waits for them up to the stop
// timeout. Whatever was buffered by then is finalized.
func (c *Controller) stopProducers(a AudioProducer, v VideoProducer) {
	v.Signal()
	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		c.stopAudio(a)
	}()

	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()

	producers := []struct {
		name string
		done <-chan struct{}
	}{
		{"audio", audioDone},
		{"video", v.Done()},
	}
	deadline := timer.C
	for _, p := range producers {
		if deadline == nil {
			select {
			case <-p.done:
				continue
			default:
			}
		} else {
			select {
			case <-p.done:
				continue
			case <-deadline:
				deadline = nil
			}
		}
		msg := fmt.Sprintf("%s producer did not stop within %s", p.name, c.opts.StopTimeout)
		c.log.Warn(msg)
		c.health.Update(health.Shutdown, health.Degraded, msg)
	}
}

func (c *Controller) fail(res *Result, err error) {
	res.Err = err
	c.log.Error("session failed", logging.KeyError, err)
	c.setState(Failed)
}

// teardown releases the join collaborator. It runs on every path into a
// terminal state.
func (c *Controller) teardown() {
	if c.deps.Joiner == nil {
		return
	}
	if err := c.deps.Joiner.Close(); err != nil {
		c.log.Warn("join collaborator close failed", logging.KeyError, err)
	}
}

// finish records degradations, writes the manifest and, for finalized
// sessions, delivers the output.
func (c *Controller) finish(ctx context.Context, res *Result) {
	for _, chk := range c.health.All() {
		if chk.Status == health.Healthy {
			continue
		}
		switch chk.Name {
		case health.Video, health.Audio:
			res.Degradations = append(res.Degradations, fmt.Errorf("%w: %s (%d incidents)", ErrCaptureDegraded, chk.Message, chk.Incidents))
		case health.Presence:
			res.Degradations = append(res.Degradations, fmt.Errorf("%w: %s (%d incidents)", ErrPresenceReadFailed, chk.Message, chk.Incidents))
		case health.Shutdown:
			res.Degradations = append(res.Degradations, fmt.Errorf("%w: %s", ErrThreadJoinTimeout, chk.Message))
		}
	}
	res.Degraded = len(res.Degradations) > 0

	m := c.buildManifest(res)
	if err := manifest.Write(res.Session.Manifest, m); err != nil {
		c.log.Warn("failed to write session manifest", logging.KeyError, err)
	}

	if res.State == Finalized && !c.deps.Deliverer.Empty() {
		res.Delivery = c.deps.Deliverer.Deliver(context.WithoutCancel(ctx), res.Output, res.Session.Manifest)
		for _, d := range res.Delivery {
			if !d.OK() {
				c.log.Warn("delivery failed", "provider", d.Provider, "remote", d.Remote, logging.KeyError, d.Error)
			}
		}
		m.Delivery = res.Delivery
		if err := manifest.Write(res.Session.Manifest, m); err != nil {
			c.log.Warn("failed to update session manifest", logging.KeyError, err)
		}
	}

	c.log.Info("session ended",
		logging.KeyState, res.State.String(),
		"trigger", string(res.Trigger),
		"degraded", res.Degraded,
		"output", res.Output,
		logging.KeyDurationMs, c.opts.Now().Sub(res.Session.CreatedAt).Milliseconds(),
	)
}

func (c *Controller) describeTracks(res *Result, a AudioProducer, v VideoProducer, chunks []media.AudioChunk, frames []media.VideoFrame) {
	dev, format := a.Device(), a.Format()
	res.Audio = manifest.AudioTrack{
		Device:     dev.Name,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Chunks:     len(chunks),
		Duration:   media.AudioDuration(chunks),
	}

	st := v.Stats()
	res.Video = manifest.VideoTrack{
		Frames:      len(frames),
		FPS:         c.opts.FPS,
		CaptureRate: math.Round(finalize.MeasuredRate(frames)*100) / 100,
		Span:        media.VideoSpan(frames, c.opts.FPS),
		Fallbacks:   st.Fallbacks,
		Dropped:     st.Dropped,
	}
	if len(frames) > 0 {
		res.Video.Width = frames[0].Width
		res.Video.Height = frames[0].Height
	}
}

func (c *Controller) buildManifest(res *Result) *manifest.Manifest {
	m := &manifest.Manifest{
		SessionID: res.Session.ID,
		Meeting:   manifest.RedactURL(res.Session.Meeting),
		State:     res.State.String(),
		Reason:    res.Reason(),
		Trigger:   string(res.Trigger),
		Degraded:  res.Degraded,
		CreatedAt: res.Session.CreatedAt,
		EndedAt:   c.opts.Now(),
		Audio:     res.Audio,
		Video:     res.Video,
		Health:    c.health.All(),
	}
	for _, p := range []struct {
		src string
		dst *string
	}{
		{res.Session.Paths.Audio, &m.Files.Audio},
		{res.Session.Paths.Video, &m.Files.Video},
		{res.Session.Paths.Final, &m.Files.Final},
	} {
		if _, err := os.Stat(p.src); err == nil {
			*p.dst = p.src
		} else if !errors.Is(err, os.ErrNotExist) {
			c.log.Debug("stat session file", "path", p.src, logging.KeyError, err)
		}
	}
	return m
}
