package device

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/print-agent/internal/model"
)

// Device-reported print states.
const (
	StateUnknown = "UNKNOWN"
	StateIdle    = "IDLE"
	StatePrepare = "PREPARE"
	StateSlicing = "SLICING"
	StateRunning = "RUNNING"
	StatePause   = "PAUSE"
	StateFinish  = "FINISH"
	StateFailed  = "FAILED"
)

// Report is the latest known state of the device's current print.
type Report struct {
	State            string `json:"state"`
	Percent          *int   `json:"percent,omitempty"`
	RemainingMinutes *int   `json:"remaining_minutes,omitempty"`
}

// Terminal reports whether no further progress is expected.
func (r Report) Terminal() bool {
	return r.State == StateFinish || r.State == StateFailed
}

// InProgress reports whether the device is working on a print.
func (r Report) InProgress() bool {
	switch r.State {
	case StatePrepare, StateSlicing, StateRunning, StatePause:
		return true
	}
	return false
}

func (r Report) String() string {
	state := r.State
	if state == "" {
		state = StateUnknown
	}
	parts := []string{"State: " + state}
	if r.Percent != nil {
		parts = append(parts, fmt.Sprintf("%d%%", *r.Percent))
	}
	if r.RemainingMinutes != nil {
		parts = append(parts, fmt.Sprintf("%dmin remaining", *r.RemainingMinutes))
	}
	return strings.Join(parts, " | ")
}

// Progress converts the report for an observer.
func (r Report) Progress() model.Progress {
	return model.Progress{
		State:            r.State,
		Percent:          r.Percent,
		RemainingMinutes: r.RemainingMinutes,
		Text:             r.String(),
	}
}

type reportMessage struct {
	Print *struct {
		GcodeState      *string `json:"gcode_state"`
		MCPercent       *int    `json:"mc_percent"`
		MCRemainingTime *int    `json:"mc_remaining_time"`
	} `json:"print"`
}

// ParseReport merges a report payload into prev. The device often pushes
// partial updates, so fields missing from payload keep their previous value.
// ok is false when the payload is not JSON or carries none of the tracked
// fields.
func ParseReport(payload []byte, prev Report) (Report, bool) {
	var msg reportMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Print == nil {
		return prev, false
	}
	p := msg.Print
	if p.GcodeState == nil && p.MCPercent == nil && p.MCRemainingTime == nil {
		return prev, false
	}

	next := prev
	if p.GcodeState != nil && *p.GcodeState != "" {
		next.State = *p.GcodeState
	}
	if p.MCPercent != nil {
		v := *p.MCPercent
		next.Percent = &v
	}
	if p.MCRemainingTime != nil {
		v := *p.MCRemainingTime
		next.RemainingMinutes = &v
	}
	if next.State == "" {
		next.State = StateUnknown
	}
	return next, true
}
