package batch

import (
	"fmt"
	"time"
)

// Pipeline steps, in the order one stage executes them.
const (
	StepStage   = "stage"
	StepRun     = "run"
	StepUpload  = "upload"
	StepCleanup = "cleanup"
)

// StageError is the failure of one step of one stage.
type StageError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Step, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one attempted stage.
type Outcome struct {
	Stage    string
	Linked   int // Inputs hard-linked into the working dir
	Uploaded int // Files uploaded
	Duration time.Duration
	Err      *StageError // nil on success
}

// OK reports whether the stage completed every step.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report is the result of one chunk's pipeline run.
type Report struct {
	Chunk    int
	Token    string
	Outcomes []Outcome
}

// Completed reports whether every stage ran and succeeded.
func (r Report) Completed(stages int) bool {
	if len(r.Outcomes) != stages {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Failure returns the failed outcome, if any.
func (r Report) Failure() (Outcome, bool) {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return o, true
		}
	}
	return Outcome{}, false
}
