package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestMachineRecoversBeforeTimeout(t *testing.T) {
	m := NewMachine(2, 30*time.Second)
	for sec := 0; sec < 29; sec++ {
		if got := m.Step(Sample{Count: 1, At: at(sec)}); got == Stopped {
			t.Fatalf("stopped at second %d", sec)
		}
	}
	if got := m.Step(Sample{Count: 3, At: at(29)}); got != Active {
		t.Fatalf("state after count 3 at 29s = %v, want ACTIVE", got)
	}
	// The drain timer restarts from scratch.
	for sec := 30; sec < 59; sec++ {
		if got := m.Step(Sample{Count: 1, At: at(sec)}); got == Stopped {
			t.Fatalf("stopped at second %d after reset", sec)
		}
	}
}

func TestMachineStopsAtTimeout(t *testing.T) {
	m := NewMachine(2, 30*time.Second)
	stoppedAt := -1
	for sec := 0; sec <= 30; sec++ {
		if m.Step(Sample{Count: 1, At: at(sec)}) == Stopped && stoppedAt < 0 {
			stoppedAt = sec
		}
	}
	if stoppedAt != 30 {
		t.Fatalf("stopped at second %d, want 30", stoppedAt)
	}
}

func TestMachineNeverStopsEarly(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		step    time.Duration
	}{
		{"1s polls", 30 * time.Second, time.Second},
		{"irregular polls", 10 * time.Second, 1700 * time.Millisecond},
		{"coarse polls", 5 * time.Second, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(2, tt.timeout)
			var drainStart time.Time
			for now := t0; now.Before(t0.Add(3 * tt.timeout)); now = now.Add(tt.step) {
				st := m.Step(Sample{Count: 0, At: now})
				if st == Draining && drainStart.IsZero() {
					drainStart = now
				}
				if st == Stopped {
					if now.Sub(drainStart) < tt.timeout {
						t.Fatalf("stopped after %v, timeout %v", now.Sub(drainStart), tt.timeout)
					}
					return
				}
			}
			t.Fatal("never stopped")
		})
	}
}

func TestMachineIgnoresReadErrors(t *testing.T) {
	m := NewMachine(2, 30*time.Second)
	if got := m.Step(Sample{Count: 1, At: at(0), Err: errors.New("boom")}); got != Active {
		t.Fatalf("read error moved state to %v", got)
	}
	m.Step(Sample{Count: 1, At: at(1)})
	if got := m.Step(Sample{Count: 1, At: at(40), Err: errors.New("boom")}); got != Draining {
		t.Fatalf("read error while draining gave %v, want DRAINING", got)
	}
	if got := m.Step(Sample{Count: 1, At: at(41)}); got != Stopped {
		t.Fatalf("state = %v, want STOPPED", got)
	}
	if got := m.Step(Sample{Count: 5, At: at(42)}); got != Stopped {
		t.Fatalf("STOPPED is not terminal: %v", got)
	}
}

func TestMonitorEmitsStopOnce(t *testing.T) {
	var clock atomic.Int64
	oracle := OracleFunc(func(context.Context) (int, error) { return 1, nil })
	mon := NewMonitor(oracle, Config{PollInterval: 2 * time.Millisecond, MinParticipants: 2, EmptyTimeout: 5 * time.Second},
		WithClock(func() time.Time { return t0.Add(time.Duration(clock.Add(1)) * time.Second) }),
	)
	mon.Start(context.Background())

	select {
	case <-mon.StopSignal():
	case <-time.After(3 * time.Second):
		t.Fatal("no stop signal")
	}
	<-mon.Done()
	if mon.State() != Stopped {
		t.Fatalf("state = %v", mon.State())
	}
	// Closing after the loop exited must not block or panic.
	mon.Close()
}

func TestMonitorReadErrorsNeverStop(t *testing.T) {
	oracle := OracleFunc(func(context.Context) (int, error) { return 0, errors.New("selector not found") })
	var clock atomic.Int64
	mon := NewMonitor(oracle, Config{PollInterval: time.Millisecond, EmptyTimeout: time.Second},
		WithClock(func() time.Time { return t0.Add(time.Duration(clock.Add(1)) * time.Second) }),
	)
	mon.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	mon.Close()

	select {
	case <-mon.StopSignal():
		t.Fatal("read errors produced a stop signal")
	default:
	}
	if mon.Failures() == 0 {
		t.Fatal("failures not counted")
	}
	if mon.State() != Active {
		t.Fatalf("state = %v, want ACTIVE", mon.State())
	}
}
