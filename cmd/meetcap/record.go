package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/browser"
	"github.com/meetcap/meetcap/internal/capture"
	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/delivery"
	"github.com/meetcap/meetcap/internal/finalize"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/media"
	"github.com/meetcap/meetcap/internal/preflight"
	"github.com/meetcap/meetcap/internal/presence"
	"github.com/meetcap/meetcap/internal/presencefeed"
	"github.com/meetcap/meetcap/internal/session"
)

var log = logging.L("main")

func runRecord(meetingURL string) int {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logCloser.Close()

	driver, err := audio.NewMalgoDriver()
	if err != nil {
		log.Error("audio backend unavailable", logging.KeyError, err)
		return 1
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Problems found here are logged, not enforced: the session itself
	// reports the authoritative failure.
	pre := preflight.Run(ctx, preflightOptions(cfg, driver))
	for _, c := range pre.Checks {
		if !c.Passed {
			log.Warn("preflight check failed", "check", c.Name, "required", c.Required, "message", c.Message)
		}
	}

	var joiner *browser.Session
	if cfg.Video.Region == "browser" || cfg.Presence.Source == "browser" {
		joiner = browser.New(browserConfig(cfg.Browser))
	}

	oracle, closeOracle := presenceOracle(cfg, joiner)
	defer closeOracle()

	fin := finalize.New(finalize.Config{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		KeepRaw:     cfg.KeepRaw,
		NominalFPS:  cfg.Video.FPS,
	})
	deps := session.Deps{
		Presence:   oracle,
		StartAudio: startAudio(cfg.Audio, driver),
		StartVideo: startVideo(cfg.Video, regionProvider(cfg.Video, joiner)),
		Finalizer:  fin,
	}
	if joiner != nil {
		deps.Joiner = joiner
	}
	if deps.Deliverer, err = delivery.New(cfg.Delivery); err != nil {
		log.Error("invalid delivery target", logging.KeyError, err)
		return 1
	}

	ctrl := session.New(deps, session.Options{
		OutputDir:   cfg.OutputDir,
		StopTimeout: cfg.StopTimeout,
		FPS:         cfg.Video.FPS,
		Presence: presence.Config{
			PollInterval:    cfg.Presence.PollInterval,
			MinParticipants: cfg.Presence.MinParticipants,
			EmptyTimeout:    cfg.Presence.EmptyTimeout,
		},
	})

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go watchSignals(sigChan, func() { ctrl.Stop(session.TriggerExternal) }, func() {
		cancel()
		log.Warn("second signal, exiting without finalizing", "outputDir", cfg.OutputDir)
		os.Exit(exitAborted)
	})

	res, _ := ctrl.Run(ctx, meetingURL)
	printSummary(ctx, fin, res)
	return exitCode(res)
}

// exitAborted is the status for a recording abandoned by a second signal.
// Raw tracks stay in the session directory.
const exitAborted = 130

// watchSignals stops the session gracefully on the first signal and calls
// abort on the second.
func watchSignals(sigs <-chan os.Signal, stop, abort func()) {
	sig, ok := <-sigs
	if !ok {
		return
	}
	log.Info("received signal, stopping recording", "signal", sig.String())
	stop()
	if _, ok := <-sigs; ok {
		abort()
	}
}

func exitCode(res *session.Result) int {
	if res == nil || res.State != session.Finalized {
		return 1
	}
	return 0
}

func printSummary(ctx context.Context, f *finalize.Finalizer, res *session.Result) {
	if res == nil {
		return
	}
	fmt.Printf("Session:  %s\n", res.Session.ID)
	fmt.Printf("State:    %s\n", res.State)
	if res.Trigger != "" {
		fmt.Printf("Stopped:  %s\n", res.Trigger)
	}
	if res.Output != "" {
		fmt.Printf("Output:   %s\n", res.Output)
		if d, err := f.Probe(ctx, res.Output); err == nil {
			fmt.Printf("Duration: %s\n", d.Round(100*time.Millisecond))
		}
	}
	if res.Err != nil {
		fmt.Printf("Reason:   %s\n", res.Reason())
	}
	for _, d := range res.Degradations {
		fmt.Printf("Degraded: %s\n", d)
	}
	for _, r := range res.Delivery {
		status := "ok"
		if !r.OK() {
			status = r.Error
		}
		fmt.Printf("Delivery: %s %s -> %s (%s)\n", r.Provider, r.Local, r.Remote, status)
	}
	fmt.Printf("Manifest: %s\n", res.Session.Manifest)
}

func browserConfig(bc config.BrowserConfig) browser.Config {
	return browser.Config{
		ExecPath:          bc.ExecPath,
		Headless:          bc.Headless,
		UserDataDir:       bc.UserDataDir,
		JoinTimeout:       bc.JoinTimeout,
		JoinScript:        bc.JoinScript,
		ParticipantScript: bc.ParticipantScript,
		WindowWidth:       bc.WindowWidth,
		WindowHeight:      bc.WindowHeight,
	}
}

// presenceOracle picks the participant count source. A nil oracle disables
// automatic stop.
func presenceOracle(cfg *config.Config, b *browser.Session) (presence.Oracle, func()) {
	noop := func() {}
	switch cfg.Presence.Source {
	case "websocket":
		feed := presencefeed.New(presencefeed.Config{
			URL:        cfg.Presence.WebsocketURL,
			StaleAfter: cfg.Presence.WebsocketGrace,
		})
		feed.Start()
		return feed, func() { feed.Close() }
	case "browser":
		if b == nil || strings.TrimSpace(cfg.Browser.ParticipantScript) == "" {
			log.Warn("no participant script configured, automatic stop disabled")
			return nil, noop
		}
		return b, noop
	default:
		log.Info("presence monitoring disabled")
		return nil, noop
	}
}

func regionProvider(vc config.VideoConfig, b *browser.Session) capture.RegionProvider {
	switch vc.Region {
	case "fixed":
		return capture.FixedRegion(media.Region{
			X: vc.Fixed.X, Y: vc.Fixed.Y,
			Width: vc.Fixed.Width, Height: vc.Fixed.Height,
		})
	case "browser":
		if b != nil {
			return b
		}
	}
	return capture.FullDisplay{}
}

func startAudio(ac config.AudioConfig, driver audio.Driver) func(context.Context, session.ProducerEnv) (session.AudioProducer, error) {
	return func(ctx context.Context, env session.ProducerEnv) (session.AudioProducer, error) {
		opts := audio.Options{
			Driver:          driver,
			SampleRate:      ac.SampleRate,
			Channels:        ac.Channels,
			Sink:            env.Sink,
			Start:           env.Start,
			LivenessTimeout: ac.LivenessTimeout,
			Health:          env.Health,
		}
		if ac.Device != "" {
			opts.Selector = audio.ByID(ac.Device)
		}
		src, err := audio.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

func startVideo(vc config.VideoConfig, regions capture.RegionProvider) func(context.Context, session.ProducerEnv) (session.VideoProducer, error) {
	return func(ctx context.Context, env session.ProducerEnv) (session.VideoProducer, error) {
		capturer, err := capture.NewScreenCapturer(capture.CaptureConfig{DisplayIndex: vc.Display})
		if err != nil {
			return nil, err
		}
		enc, err := capture.NewFrameEncoder(capture.EncoderConfig{
			Quality:     vc.JPEGQuality,
			ScaleFactor: vc.ScaleFactor,
		})
		if err != nil {
			capturer.Close()
			return nil, err
		}
		src, err := capture.Start(ctx, capture.Options{
			FPS:      vc.FPS,
			Capturer: capturer,
			Regions:  regions,
			Encoder:  enc,
			Sink:     env.Sink,
			Start:    env.Start,
			Health:   env.Health,
			OnFatal:  env.OnFatal,
		})
		if err != nil {
			enc.Close()
			capturer.Close()
			return nil, err
		}
		go func() {
			<-src.Done()
			if err := errors.Join(src.Stop(), capturer.Close()); err != nil {
				log.Warn("capture teardown", logging.KeyError, err)
			}
		}()
		return src, nil
	}
}

func preflightOptions(cfg *config.Config, driver audio.Driver) preflight.Options {
	return preflight.Options{
		OutputDir:      cfg.OutputDir,
		MinDiskSpaceGB: 1,
		MinMemoryMB:    512,
		FFmpegPath:     cfg.FFmpegPath,
		FFprobePath:    cfg.FFprobePath,
		CheckChrome:    cfg.Video.Region == "browser" || cfg.Presence.Source == "browser",
		ChromePath:     cfg.Browser.ExecPath,
		Driver:         driver,
		Displays:       capture.DisplayBounds,
	}
}
