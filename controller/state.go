package controller

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the session lifecycle position.
type State int

const (
	Idle State = iota
	Opening
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText writes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Resting reports whether the state accepts a new Start without an implicit stop.
func (s State) Resting() bool {
	return s == Idle || s == Stopped || s == Failed
}

// SessionState is an immutable snapshot of the controller's state. Reason and Err are set for
// Failed.
type SessionState struct {
	State   State  `json:"state"`
	Session string `json:"session,omitempty"`
	Input   string `json:"input,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

// Status is SessionState plus the running totals of the session it names.
type Status struct {
	SessionState

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Frames     uint64    `json:"frames"`
	Published  uint64    `json:"published"`
	Detections uint64    `json:"detections"`
	Skipped    uint64    `json:"skipped"`
	FPS        float64   `json:"fps"`
}

// MarshalJSON flattens the embedded state and omits unset times.
func (s Status) MarshalJSON() ([]byte, error) {
	type flat struct {
		State      State      `json:"state"`
		Session    string     `json:"session,omitempty"`
		Input      string     `json:"input,omitempty"`
		Reason     string     `json:"reason,omitempty"`
		StartedAt  *time.Time `json:"started_at,omitempty"`
		EndedAt    *time.Time `json:"ended_at,omitempty"`
		Frames     uint64     `json:"frames"`
		Published  uint64     `json:"published"`
		Detections uint64     `json:"detections"`
		Skipped    uint64     `json:"skipped"`
		FPS        float64    `json:"fps"`
	}
	out := flat{
		State:      s.State,
		Session:    s.Session,
		Input:      s.Input,
		Reason:     s.Reason,
		Frames:     s.Frames,
		Published:  s.Published,
		Detections: s.Detections,
		Skipped:    s.Skipped,
		FPS:        s.FPS,
	}
	if !s.StartedAt.IsZero() {
		out.StartedAt = &s.StartedAt
	}
	if !s.EndedAt.IsZero() {
		out.EndedAt = &s.EndedAt
	}
	return json.Marshal(out)
}
