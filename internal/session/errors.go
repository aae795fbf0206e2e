package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/youruser/redline/internal/pipeline"
)

var (
	// ErrConflict is returned when a document already has an active session.
	ErrConflict = errors.New("a revision session is already active for this document")
	// ErrNotProposed is returned by Accept and Cancel outside the Proposed state.
	ErrNotProposed = errors.New("no proposal to resolve")
	// ErrNoSession is returned when a document has no active session.
	ErrNoSession = errors.New("no active revision session")
	// ErrNotProposing is returned by Abort when nothing is in flight.
	ErrNotProposing = errors.New("no revision in progress")
)

// Kind classifies a failed submit.
type Kind string

const (
	KindProvider   Kind = "provider"
	KindFatalParse Kind = "fatal_parse"
	KindAborted    Kind = "aborted"
	KindDocument   Kind = "document"
)

// StageError reports which stage of a submit failed and why. The session
// is back to Idle with no pending flags when one is returned.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// stageError classifies err from stage. aborted is set when Abort
// canceled the submit.
func stageError(stage string, err error, aborted bool) *StageError {
	kind := KindProvider
	switch {
	case aborted && errors.Is(err, context.Canceled):
		kind = KindAborted
	case errors.Is(err, pipeline.ErrFatalParse):
		kind = KindFatalParse
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
