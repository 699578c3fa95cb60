package model

import (
	"errors"
	"time"
)

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Stage indexes, in execution order.
const (
	StageProduce = iota
	StageCompile
	StageSlice
	StagePrint

	StageCount
)

var stageNames = [StageCount]string{"produce", "compile", "slice", "print"}

// StageName returns the short name used in logs, metrics and routing keys.
func StageName(stage int) string {
	if stage < 0 || stage >= StageCount {
		return "unknown"
	}
	return stageNames[stage]
}

type StageStatus string

const (
	StageActive    StageStatus = "active"
	StageDone      StageStatus = "done"
	StageError     StageStatus = "error"
	StageCancelled StageStatus = "cancelled"
)

// Terminal reports whether the status closes a stage.
func (s StageStatus) Terminal() bool {
	return s == StageDone || s == StageError || s == StageCancelled
}

var ErrNotFound = errors.New("not found")

// StageEvent is one progress record for a stage. Every stage emits one
// active event followed by one terminal event.
type StageEvent struct {
	Stage   int         `json:"stage"`
	Status  StageStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Path    string      `json:"path,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// Job represents one prompt-to-print request.
//
// - Artifacts holds the output path of each completed stage, indexed by stage.
// - RemoteName is the file name staged on the device, set once upload succeeds.
type Job struct {
	ID          string             `json:"id"`
	Prompt      string             `json:"prompt"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Stage       int                `json:"stage"`
	Outcome     Outcome            `json:"outcome"`
	Artifacts   [StageCount]string `json:"artifacts"`
	RemoteName  string             `json:"remoteName,omitempty"`
	DeviceState string             `json:"deviceState,omitempty"`
	Progress    float64            `json:"progress"`
	Error       string             `json:"error,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Stage       *int
	Outcome     *Outcome
	Artifact    *string
	RemoteName  *string
	DeviceState *string
	Progress    *float64
	Error       *string
}
