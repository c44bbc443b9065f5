package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/capture"
	"github.com/meetcap/meetcap/internal/delivery"
	"github.com/meetcap/meetcap/internal/finalize"
	"github.com/meetcap/meetcap/internal/health"
	"github.com/meetcap/meetcap/internal/manifest"
	"github.com/meetcap/meetcap/internal/media"
	"github.com/meetcap/meetcap/internal/presence"
)

type fakeJoiner struct {
	err    error
	block  bool
	joins  atomic.Int32
	closes atomic.Int32
}

func (j *fakeJoiner) Join(ctx context.Context, _ string) error {
	j.joins.Add(1)
	if j.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return j.err
}

func (j *fakeJoiner) Close() error {
	j.closes.Add(1)
	return nil
}

type fakeAudio struct {
	stops atomic.Int32
}

func (a *fakeAudio) Stop() error { a.stops.Add(1); return nil }
func (a *fakeAudio) Device() audio.DeviceDescriptor {
	return audio.DeviceDescriptor{ID: "mic", Name: "Test Mic", MaxInputChannels: 1}
}
func (a *fakeAudio) Format() audio.StreamConfig {
	return audio.StreamConfig{DeviceID: "mic", SampleRate: 8000, Channels: 1}
}

type fakeVideo struct {
	once sync.Once
	sig  chan struct{}
	done chan struct{}
	hang bool
}

func newFakeVideo(hang bool) *fakeVideo {
	v := &fakeVideo{sig: make(chan struct{}), done: make(chan struct{}), hang: hang}
	go func() {
		<-v.sig
		if !v.hang {
			close(v.done)
		}
	}()
	return v
}

func (v *fakeVideo) Signal()               { v.once.Do(func() { close(v.sig) }) }
func (v *fakeVideo) Done() <-chan struct{} { return v.done }
func (v *fakeVideo) Stats() capture.Stats  { return capture.Stats{Captured: 2} }

type fakeFinalizer struct {
	err    error
	calls  atomic.Int32
	mu     sync.Mutex
	chunks int
	frames int
}

func (f *fakeFinalizer) Finalize(_ context.Context, a []media.AudioChunk, v []media.VideoFrame, p finalize.Paths) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.chunks, f.frames = len(a), len(v)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if err := os.WriteFile(p.Final, []byte("mp4"), 0o644); err != nil {
		return "", err
	}
	return p.Final, nil
}

type harness struct {
	joiner     *fakeJoiner
	audio      *fakeAudio
	video      *fakeVideo
	finalizer  *fakeFinalizer
	audioErr   error
	audioCalls atomic.Int32
	videoCalls atomic.Int32
	env        ProducerEnv
	envMu      sync.Mutex
	deps       Deps
	opts       Options
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		joiner:    &fakeJoiner{},
		audio:     &fakeAudio{},
		video:     newFakeVideo(false),
		finalizer: &fakeFinalizer{},
	}
	h.deps = Deps{
		Joiner: h.joiner,
		StartAudio: func(ctx context.Context, env ProducerEnv) (AudioProducer, error) {
			h.audioCalls.Add(1)
			if h.audioErr != nil {
				return nil, h.audioErr
			}
			h.envMu.Lock()
			h.env = env
			h.envMu.Unlock()
			env.Sink.AppendAudio(media.AudioChunk{Samples: make([]int16, 800), Channels: 1, SampleRate: 8000})
			return h.audio, nil
		},
		StartVideo: func(ctx context.Context, env ProducerEnv) (VideoProducer, error) {
			h.videoCalls.Add(1)
			env.Sink.AppendVideo(media.VideoFrame{Data: []byte{0xff, 0xd8}, Width: 4, Height: 4})
			env.Sink.AppendVideo(media.VideoFrame{Offset: 66 * time.Millisecond, Data: []byte{0xff, 0xd8}, Width: 4, Height: 4})
			return h.video, nil
		},
		Finalizer: h.finalizer,
	}
	h.opts = Options{
		OutputDir:   t.TempDir(),
		StopTimeout: time.Second,
	}
	return h
}

func (h *harness) start(t *testing.T) (*Controller, <-chan *Result) {
	t.Helper()
	c := New(h.deps, h.opts)
	out := make(chan *Result, 1)
	go func() {
		res, _ := c.Run(context.Background(), "https://meet.example.com/abc?pwd=x")
		out <- res
	}()
	return c, out
}

func wait(t *testing.T, out <-chan *Result) *Result {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("session did not reach a terminal state")
		return nil
	}
}

func waitRecording(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Recording():
	case <-time.After(5 * time.Second):
		t.Fatalf("never reached RECORDING, state %v", c.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c, out := h.start(t)
	waitRecording(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop(TriggerExternal)
		}()
	}
	wg.Wait()
	res := wait(t, out)
	c.Stop(TriggerPresence)

	if res.State != Finalized || res.Err != nil {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if res.Trigger != TriggerExternal {
		t.Fatalf("trigger = %q", res.Trigger)
	}
	if n := h.finalizer.calls.Load(); n != 1 {
		t.Fatalf("finalizer called %d times, want 1", n)
	}
	if h.finalizer.chunks != 1 || h.finalizer.frames != 2 {
		t.Fatalf("finalizer got %d chunks / %d frames", h.finalizer.chunks, h.finalizer.frames)
	}
	if h.audio.stops.Load() != 1 || h.joiner.closes.Load() != 1 {
		t.Fatalf("audio stops = %d, joiner closes = %d", h.audio.stops.Load(), h.joiner.closes.Load())
	}
	if res.Degraded {
		t.Fatalf("unexpected degradations: %v", res.Degradations)
	}

	m, err := manifest.Read(res.Session.Manifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.State != "FINALIZED" || m.Files.Final != res.Output || m.Meeting != "https://meet.example.com/abc" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Audio.Device != "Test Mic" || m.Video.Frames != 2 {
		t.Fatalf("manifest tracks = %+v / %+v", m.Audio, m.Video)
	}
}

func TestFileNamesDeriveFromTimestamp(t *testing.T) {
	h := newHarness(t)
	h.opts.Now = func() time.Time { return time.Unix(1700000000, 0) }
	c, out := h.start(t)
	waitRecording(t, c)
	c.Stop(TriggerExternal)
	res := wait(t, out)

	dir := h.opts.OutputDir
	want := finalize.Paths{
		Audio: filepath.Join(dir, "meeting_1700000000.wav"),
		Video: filepath.Join(dir, "meeting_1700000000.avi"),
		Final: filepath.Join(dir, "meeting_final_1700000000.mp4"),
	}
	if res.Session.Paths != want {
		t.Fatalf("paths = %+v, want %+v", res.Session.Paths, want)
	}
	if res.Session.Manifest != filepath.Join(dir, "meeting_1700000000.yaml") {
		t.Fatalf("manifest path = %s", res.Session.Manifest)
	}
}

func TestJoinFailureFails(t *testing.T) {
	h := newHarness(t)
	h.joiner.err = errors.New("waiting room")
	c := New(h.deps, h.opts)

	res, err := c.Run(context.Background(), "https://meet.example.com/abc")
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("err = %v, want ErrJoinFailed", err)
	}
	if res.State != Failed {
		t.Fatalf("state = %v", res.State)
	}
	if h.audioCalls.Load() != 0 || h.videoCalls.Load() != 0 || h.finalizer.calls.Load() != 0 {
		t.Fatal("producers or finalizer ran after a failed join")
	}
	if h.joiner.closes.Load() != 1 {
		t.Fatalf("joiner closed %d times", h.joiner.closes.Load())
	}
	for _, p := range []string{res.Session.Paths.Audio, res.Session.Paths.Video, res.Session.Paths.Final} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("artifact %s exists after failed join", p)
		}
	}
}

func TestAudioFailureNeverStartsVideo(t *testing.T) {
	h := newHarness(t)
	h.audioErr = audio.ErrDeviceUnavailable
	c := New(h.deps, h.opts)

	res, err := c.Run(context.Background(), "https://meet.example.com/abc")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if res.State != Failed {
		t.Fatalf("state = %v", res.State)
	}
	if h.videoCalls.Load() != 0 {
		t.Fatal("video started without audio")
	}
	if h.joiner.closes.Load() != 1 {
		t.Fatal("joiner not released")
	}
	m, err := manifest.Read(res.Session.Manifest)
	if err != nil || m.State != "FAILED" || m.Reason == "" {
		t.Fatalf("manifest = %+v, %v", m, err)
	}
}

func TestStopDuringJoin(t *testing.T) {
	h := newHarness(t)
	h.joiner.block = true
	c, out := h.start(t)

	deadline := time.Now().Add(3 * time.Second)
	for h.joiner.joins.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Stop(TriggerExternal)
	res := wait(t, out)
	if res.State != Failed || !errors.Is(res.Err, ErrStoppedEarly) {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
}

func TestStopBeforeRunWithoutJoiner(t *testing.T) {
	h := newHarness(t)
	h.deps.Joiner = nil
	c := New(h.deps, h.opts)
	c.Stop(TriggerExternal)

	res, err := c.Run(context.Background(), "https://meet.example.com/abc")
	if res.State != Failed || !errors.Is(err, ErrStoppedEarly) {
		t.Fatalf("state = %v, err = %v", res.State, err)
	}
	if n := h.audioCalls.Load() + h.videoCalls.Load(); n != 0 {
		t.Fatalf("%d producers started after stop", n)
	}
	if h.finalizer.calls.Load() != 0 {
		t.Fatal("finalized a stopped session")
	}
}

func TestStopWhileAudioStarts(t *testing.T) {
	h := newHarness(t)
	h.deps.Joiner = nil
	var c *Controller
	startAudio := h.deps.StartAudio
	h.deps.StartAudio = func(ctx context.Context, env ProducerEnv) (AudioProducer, error) {
		a, err := startAudio(ctx, env)
		c.Stop(TriggerExternal)
		return a, err
	}
	c = New(h.deps, h.opts)

	res, err := c.Run(context.Background(), "https://meet.example.com/abc")
	if res.State != Failed || !errors.Is(err, ErrStoppedEarly) {
		t.Fatalf("state = %v, err = %v", res.State, err)
	}
	if h.videoCalls.Load() != 0 {
		t.Fatal("video started after stop")
	}
	if h.audio.stops.Load() != 1 {
		t.Fatalf("audio stops = %d, want 1", h.audio.stops.Load())
	}
}

func TestPresenceStopsSession(t *testing.T) {
	h := newHarness(t)
	h.deps.Presence = presence.OracleFunc(func(context.Context) (int, error) { return 1, nil })
	h.opts.Presence = presence.Config{PollInterval: 5 * time.Millisecond, MinParticipants: 2, EmptyTimeout: 30 * time.Millisecond}

	_, out := h.start(t)
	res := wait(t, out)
	if res.State != Finalized || res.Trigger != TriggerPresence {
		t.Fatalf("state = %v, trigger = %q, err = %v", res.State, res.Trigger, res.Err)
	}
}

func TestProducerJoinTimeoutStillFinalizes(t *testing.T) {
	h := newHarness(t)
	h.video = newFakeVideo(true)
	h.opts.StopTimeout = 50 * time.Millisecond
	c, out := h.start(t)
	waitRecording(t, c)

	start := time.Now()
	c.Stop(TriggerExternal)
	res := wait(t, out)

	if res.State != Finalized {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("stop was not bounded by the timeout")
	}
	if !res.Degraded {
		t.Fatal("expected degraded session")
	}
	var found bool
	for _, d := range res.Degradations {
		if errors.Is(d, ErrThreadJoinTimeout) {
			found = true
		}
	}
	if !found {
		t.Fatalf("degradations = %v", res.Degradations)
	}

	// A producer that outlived the timeout can no longer append.
	h.envMu.Lock()
	sink := h.env.Sink
	h.envMu.Unlock()
	if err := sink.AppendVideo(media.VideoFrame{}); err == nil {
		t.Fatal("late append accepted after drain")
	}
}

func TestMergeUnavailableFails(t *testing.T) {
	h := newHarness(t)
	h.finalizer.err = finalize.ErrMergeUnavailable
	c, out := h.start(t)
	waitRecording(t, c)
	c.Stop(TriggerExternal)

	res := wait(t, out)
	if res.State != Failed || !errors.Is(res.Err, ErrMergeUnavailable) {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	m, err := manifest.Read(res.Session.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if m.State != "FAILED" {
		t.Fatalf("manifest state = %s", m.State)
	}
	if len(m.Health) == 0 || m.Health[0].Name != health.Merge {
		t.Fatalf("manifest health = %+v", m.Health)
	}
}

func TestProducerFatalTriggersStop(t *testing.T) {
	h := newHarness(t)
	c, out := h.start(t)
	waitRecording(t, c)

	h.envMu.Lock()
	env := h.env
	h.envMu.Unlock()
	env.OnFatal(errors.New("display gone"))

	res := wait(t, out)
	if res.Trigger != TriggerProducerError || res.State != Finalized {
		t.Fatalf("trigger = %q, state = %v", res.Trigger, res.State)
	}
}

func TestRejectedAudioMarksDegraded(t *testing.T) {
	h := newHarness(t)
	c, out := h.start(t)
	waitRecording(t, c)

	h.envMu.Lock()
	env := h.env
	h.envMu.Unlock()
	env.Health.Update(health.Audio, health.Degraded, "3 chunks rejected by buffer")
	c.Stop(TriggerExternal)

	res := wait(t, out)
	if res.State != Finalized || !res.Degraded {
		t.Fatalf("state = %v, degraded = %v", res.State, res.Degraded)
	}
	if len(res.Degradations) != 1 || !errors.Is(res.Degradations[0], ErrCaptureDegraded) {
		t.Fatalf("degradations = %v", res.Degradations)
	}
}

func TestContextCancelStopsAndFinalizes(t *testing.T) {
	h := newHarness(t)
	c := New(h.deps, h.opts)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *Result, 1)
	go func() {
		res, _ := c.Run(ctx, "https://meet.example.com/abc")
		out <- res
	}()
	waitRecording(t, c)
	cancel()

	res := wait(t, out)
	if res.Trigger != TriggerCancelled || res.State != Finalized {
		t.Fatalf("trigger = %q, state = %v, err = %v", res.Trigger, res.State, res.Err)
	}
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	h.joiner.err = errors.New("nope")
	c := New(h.deps, h.opts)
	c.Run(context.Background(), "https://meet.example.com/abc")
	if _, err := c.Run(context.Background(), "https://meet.example.com/abc"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestDeliversAfterFinalize(t *testing.T) {
	h := newHarness(t)
	dest := t.TempDir()
	h.deps.Deliverer = delivery.NewWithTargets(delivery.Target{Provider: delivery.NewLocalProvider(dest), Prefix: "meetings"})
	c, out := h.start(t)
	waitRecording(t, c)
	c.Stop(TriggerExternal)

	res := wait(t, out)
	if res.State != Finalized {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if len(res.Delivery) != 2 {
		t.Fatalf("delivery results = %+v", res.Delivery)
	}
	copied := filepath.Join(dest, "meetings", filepath.Base(res.Output))
	if _, err := os.Stat(copied); err != nil {
		t.Fatalf("delivered file missing: %v", err)
	}
	m, err := manifest.Read(res.Session.Manifest)
	if err != nil || len(m.Delivery) != 2 {
		t.Fatalf("manifest delivery = %+v, %v", m, err)
	}
}
