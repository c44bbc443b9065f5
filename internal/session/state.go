package session

import (
	"errors"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/finalize"
	"github.com/meetcap/meetcap/internal/presence"
)

type State int

const (
	Idle State = iota
	Joining
	Recording
	Stopping
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Joining:
		return "JOINING"
	case Recording:
		return "RECORDING"
	case Stopping:
		return "STOPPING"
	case Finalized:
		return "FINALIZED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Finalized || s == Failed }

// Trigger names what moved a session out of RECORDING.
type Trigger string

const (
	TriggerExternal      Trigger = "external"
	TriggerPresence      Trigger = "presence"
	TriggerProducerError Trigger = "producer_error"
	TriggerCancelled     Trigger = "cancelled"
)

// Session-level error taxonomy. Start and finalize failures wrap one of
// these; recovered conditions appear in Result.Degradations.
var (
	ErrDeviceUnavailable  = audio.ErrDeviceUnavailable
	ErrJoinFailed         = errors.New("join failed")
	ErrVideoUnavailable   = errors.New("video capture unavailable")
	ErrCaptureDegraded    = errors.New("capture degraded")
	ErrPresenceReadFailed = presence.ErrReadFailed
	ErrThreadJoinTimeout  = errors.New("producer did not stop in time")
	ErrMergeUnavailable   = finalize.ErrMergeUnavailable

	ErrAlreadyStarted = errors.New("session already started")
	ErrStoppedEarly   = errors.New("stop requested before recording started")
)
