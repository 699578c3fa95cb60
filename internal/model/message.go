package model

// Progress is a device report as shown to an observer.
type Progress struct {
	State            string `json:"state"`
	Percent          *int   `json:"percent,omitempty"`
	RemainingMinutes *int   `json:"remainingMinutes,omitempty"`
	Text             string `json:"text"`
}

// Message is one item of a job's progress stream. It carries a stage event,
// a device report, or a sentinel. Exactly one sentinel ends every stream:
// Done (with a success or cancelled outcome, or pending when monitoring
// continues detached) or a non-empty Error.
//
// Stage events are flattened into the message, so on the wire an event is
// {"stage":0,"status":"active","detail":"..."} and the sentinels are
// {"done":true} and {"error":"..."}.
type Message struct {
	JobID string `json:"jobId,omitempty"`
	*StageEvent
	Report  *Progress `json:"report,omitempty"`
	Done    bool      `json:"done,omitempty"`
	Error   string    `json:"error,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
}

// Sentinel reports whether m ends its stream.
func (m Message) Sentinel() bool {
	return m.Done || m.Error != ""
}

// Kind names the message for routing: the stage status, "report", or the
// sentinel outcome.
func (m Message) Kind() string {
	switch {
	case m.StageEvent != nil:
		return string(m.Status)
	case m.Report != nil:
		return "report"
	case m.Error != "":
		return "error"
	case m.Done && m.Outcome != "":
		return string(m.Outcome)
	case m.Done:
		return "done"
	default:
		return "unknown"
	}
}
