package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meetcap/meetcap/internal/health"
	"github.com/meetcap/meetcap/internal/logging"
)

var log = logging.L("presence")

// ErrReadFailed marks a participant count that could not be read.
var ErrReadFailed = errors.New("presence read failed")

// Oracle reports the current participant count.
type Oracle interface {
	ParticipantCount(ctx context.Context) (int, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context) (int, error)

func (f OracleFunc) ParticipantCount(ctx context.Context) (int, error) { return f(ctx) }

type Config struct {
	PollInterval    time.Duration
	MinParticipants int
	EmptyTimeout    time.Duration
}

// Monitor polls an Oracle on a fixed interval and closes its stop channel
// once the meeting has stayed below the threshold for the empty timeout. A
// Monitor serves one recording session.
type Monitor struct {
	oracle   Oracle
	cfg      Config
	now      func() time.Time
	health   *health.Monitor
	machine  *Machine

	mu        sync.Mutex
	lastCount int
	failures  int

	stop     chan struct{}
	stopOnce sync.Once
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

type Option func(*Monitor)

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithHealth(h *health.Monitor) Option {
	return func(m *Monitor) { m.health = h }
}

func NewMonitor(oracle Oracle, cfg Config, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	m := &Monitor{
		oracle:    oracle,
		cfg:       cfg,
		now:       time.Now,
		machine:   NewMachine(cfg.MinParticipants, cfg.EmptyTimeout),
		lastCount: -1,
		stop:      make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the poll loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// StopSignal is closed exactly once when the monitor decides the meeting
// is over.
func (m *Monitor) StopSignal() <-chan struct{} { return m.stop }

// Done is closed when the poll loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Close halts polling without emitting a stop signal and waits for the loop.
func (m *Monitor) Close() {
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State()
}

// Failures returns how many reads have failed.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	log.Info("presence monitor started",
		"interval", m.cfg.PollInterval,
		"minParticipants", m.machine.minParticipants,
		"emptyTimeout", m.machine.emptyTimeout,
	)
	for {
		select {
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Poll(ctx) == Stopped {
				return
			}
		}
	}
}

// Poll takes one reading and feeds it through the state machine.
func (m *Monitor) Poll(ctx context.Context) State {
	readCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval)
	count, err := m.oracle.ParticipantCount(readCtx)
	cancel()
	s := Sample{Count: count, At: m.now()}
	if err != nil {
		s.Count = 1
		s.Err = fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return m.Observe(s)
}

// Observe applies a sample, logs what changed and emits the stop signal on
// the transition to Stopped.
func (m *Monitor) Observe(s Sample) State {
	m.mu.Lock()
	prev := m.machine.State()
	next := m.machine.Step(s)
	if s.Err != nil {
		m.failures++
	}
	countChanged := s.Err == nil && s.Count != m.lastCount
	if s.Err == nil {
		m.lastCount = s.Count
	}
	m.mu.Unlock()

	if s.Err != nil {
		log.Warn("participant count unavailable, assuming meeting still active", logging.KeyError, s.Err)
		if m.health != nil {
			m.health.Update(health.Presence, health.Degraded, s.Err.Error())
		}
	} else if countChanged {
		log.Info("participant count changed", "participants", s.Count)
	}

	if next != prev {
		log.Info("presence state changed", "from", prev.String(), "to", next.String())
	}
	if next == Stopped {
		m.stopOnce.Do(func() { close(m.stop) })
	}
	return next
}
