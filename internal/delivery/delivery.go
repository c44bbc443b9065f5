package delivery

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/logging"
	"github.com/meetcap/meetcap/internal/workerpool"
)

var log = logging.L("delivery")

const maxParallelUploads = 4

// Target is a provider with the key prefix uploads go under.
type Target struct {
	Provider Provider
	Prefix   string
}

// Result is the outcome of delivering one file to one target.
type Result struct {
	Provider string        `yaml:"provider"`
	Local    string        `yaml:"local"`
	Remote   string        `yaml:"remote"`
	Duration time.Duration `yaml:"duration"`
	Attempts int           `yaml:"attempts,omitempty"`
	Error    string        `yaml:"error,omitempty"`
}

func (r Result) OK() bool { return r.Error == "" }

// Deliverer fans uploads out across its targets.
type Deliverer struct {
	targets []Target
	retry   RetryConfig
}

// New builds a Deliverer from configuration.
func New(targets []config.DeliveryTarget) (*Deliverer, error) {
	d := &Deliverer{retry: DefaultRetryConfig()}
	for i, t := range targets {
		p, err := NewProvider(t)
		if err != nil {
			return nil, fmt.Errorf("delivery[%d]: %w", i, err)
		}
		d.targets = append(d.targets, Target{Provider: p, Prefix: t.Prefix})
	}
	return d, nil
}

// NewWithTargets builds a Deliverer from ready providers. Failed uploads
// are not retried until WithRetry is called.
func NewWithTargets(targets ...Target) *Deliverer {
	return &Deliverer{targets: targets}
}

// WithRetry sets the retry policy and returns d.
func (d *Deliverer) WithRetry(cfg RetryConfig) *Deliverer {
	d.retry = cfg
	return d
}

func (d *Deliverer) Empty() bool { return d == nil || len(d.targets) == 0 }

// Deliver uploads every file to every target and waits until all uploads
// finish or ctx is done. Failures are reported in the results, never
// returned as an error.
func (d *Deliverer) Deliver(ctx context.Context, files ...string) []Result {
	if d.Empty() || len(files) == 0 {
		return nil
	}

	pool := workerpool.New("delivery", maxParallelUploads, len(d.targets)*len(files))
	var (
		mu      sync.Mutex
		results []Result
	)
	for _, t := range d.targets {
		for _, file := range files {
			remote := remoteName(t.Prefix, file)
			err := pool.Submit(func(jobCtx context.Context) error {
				ctx, cancel := mergeCancel(ctx, jobCtx)
				defer cancel()

				start := time.Now()
				attempts, err := uploadWithRetry(ctx, t.Provider, file, remote, d.retry)
				r := Result{Provider: t.Provider.Name(), Local: file, Remote: remote, Duration: time.Since(start), Attempts: attempts}
				if err != nil {
					r.Error = err.Error()
				} else {
					log.Info("recording delivered", "provider", r.Provider, "remote", remote, logging.KeyDurationMs, r.Duration.Milliseconds())
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return err
			})
			if err != nil {
				mu.Lock()
				results = append(results, Result{Provider: t.Provider.Name(), Local: file, Remote: remote, Error: err.Error()})
				mu.Unlock()
			}
		}
	}

	pool.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	return append([]Result(nil), results...)
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func contentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
