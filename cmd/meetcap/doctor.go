package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/preflight"
)

func runDoctor(w io.Writer) int {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logCloser.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := preflightOptions(cfg, nil)
	driver, err := audio.NewMalgoDriver()
	if err != nil {
		fmt.Fprintf(w, "[FAIL] audio_backend: %v\n", err)
	} else {
		defer driver.Close()
		opts.Driver = driver
	}

	res := preflight.Run(ctx, opts)
	printChecks(w, res)
	if err != nil || !res.OK {
		return 1
	}
	return 0
}

func printChecks(w io.Writer, res preflight.Result) {
	for _, c := range res.Checks {
		status := "ok"
		switch {
		case c.Passed:
		case c.Required:
			status = "FAIL"
		default:
			status = "warn"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", status, c.Name, c.Message)
	}
}
