package model

import (
	"time"
)

type EventKind string

const (
	EventManual    EventKind = "manual"
	EventPush      EventKind = "push"
	EventScheduled EventKind = "scheduled"
)

// Event is a trigger input. Branch is only meaningful for push events,
// At only for scheduled ones.
type Event struct {
	Kind   EventKind `json:"kind"`
	Branch string    `json:"branch,omitempty"`
	At     time.Time `json:"at,omitzero"`
}

type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusRunning        RunStatus = "running"
	RunStatusSucceeded      RunStatus = "succeeded"
	RunStatusScanFailure    RunStatus = "scan_failure"
	RunStatusCollectError   RunStatus = "collect_error"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusProvisionError RunStatus = "provision_error"
	RunStatusResolveError   RunStatus = "resolve_error"
	RunStatusConfigError    RunStatus = "config_error"
	RunStatusSuperseded     RunStatus = "superseded"
)

type ScanStatus string

const (
	ScanPassed    ScanStatus = "passed"
	ScanFailed    ScanStatus = "failed"
	ScanTimedOut  ScanStatus = "timed_out"
	ScanCancelled ScanStatus = "cancelled"
	ScanSkipped   ScanStatus = "skipped"
	ScanError     ScanStatus = "error"
)

// synthetic exit codes, they follow the shell conventions
const (
	ExitTimedOut  = 124
	ExitNotFound  = 127
	ExitCancelled = 130
)

// ScanResult is the outcome of one scanner invocation.
type ScanResult struct {
	Tool     string        `json:"tool"`
	Status   ScanStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration"`
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	Outputs  []string      `json:"outputs,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Failure returns a ScanFailure for a scan which did not pass or nil.
func (r ScanResult) Failure() error {
	if r.Status == ScanPassed {
		return nil
	}
	return &ScanFailure{Tool: r.Tool, Status: r.Status, ExitCode: r.ExitCode}
}

// RunRecord is one invocation of the pipeline.
type RunRecord struct {
	ID       string    `json:"id"`
	Event    Event     `json:"event"`
	Ref      string    `json:"ref"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	Status   RunStatus `json:"status"`
	Failed   bool      `json:"failed"`
	PinSet   string    `json:"pinset_digest,omitempty"`
	// ToolConfigs maps a scanner name to the digest of its config file.
	ToolConfigs map[string]string `json:"tool_configs,omitempty"`
	Results     []ScanResult      `json:"results"`
	Bundles     []ArtifactBundle  `json:"bundles"`
	Errors      []string          `json:"errors,omitempty"`

	class Class
}

func NewRunRecord(id string, ev Event, ref string, now time.Time) *RunRecord {
	return &RunRecord{
		ID:      id,
		Event:   ev,
		Ref:     ref,
		Started: now.UTC(),
		Status:  RunStatusRunning,
		Results: []ScanResult{},
		Bundles: []ArtifactBundle{},
	}
}

// Record notes an error and raises the record's class when needed.
func (r *RunRecord) Record(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
	if c := Classify(err); c > r.class {
		r.class = c
	}
}

func (r *RunRecord) AddResult(res ScanResult) {
	r.Results = append(r.Results, res)
	if err := res.Failure(); err != nil && ClassScanFailure > r.class {
		r.class = ClassScanFailure
	}
}

func (r *RunRecord) AddBundle(b ArtifactBundle) {
	r.Bundles = append(r.Bundles, b)
}

func (r *RunRecord) Class() Class {
	return r.class
}

// Close makes the record terminal. failOn tells which scanners fail the
// run on a non-zero exit.
func (r *RunRecord) Close(now time.Time, failOn map[string]bool) {
	r.Finished = now.UTC()
	r.Status = r.class.Status()
	r.Failed = r.class.Fatal()
	for _, res := range r.Results {
		if failOn[res.Tool] && res.ExitCode != 0 {
			r.Failed = true
		}
	}
}
