// Package session runs one propose/accept/cancel revision cycle per
// document. A document has at most one active session; the document is
// never left with pending flags once a session ends or fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/diff"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/llm"
	"github.com/youruser/redline/internal/logging"
	"github.com/youruser/redline/internal/pipeline"
	"github.com/youruser/redline/internal/reconcile"
)

var log = logging.Get()

// State of a session.
type State int

const (
	Idle State = iota
	Proposing
	Proposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proposing:
		return "proposing"
	case Proposed:
		return "proposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stage name used for failures after both LLM stages succeeded.
const stageReconcile = "reconcile"

// Manager creates sessions and enforces one active session per document.
type Manager struct {
	pipeline *pipeline.Pipeline
	table    cost.Table
	locks    *locks
}

// NewManager returns a Manager that runs submits through p and prices
// sessions with table.
func NewManager(p *pipeline.Pipeline, table cost.Table) *Manager {
	if table == nil {
		table = cost.DefaultTable()
	}
	return &Manager{pipeline: p, table: table, locks: newLocks()}
}

// Session is one revision cycle of one document.
type Session struct {
	id          string
	documentID  string
	doc         document.Document
	instruction string
	meter       *cost.Meter
	manager     *Manager

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	aborted   bool
	selection pipeline.Selection
	revision  pipeline.Revision
	records   []reconcile.Record
}

// Submit starts a session for doc and runs Selector, Reviser and
// Reconciler in order. It returns once the session is Proposed or has
// failed back to Idle. A failure is a *StageError. ErrConflict is returned
// without side effects if the document already has an active session.
func (m *Manager) Submit(ctx context.Context, doc document.Document, instruction string) (*Session, error) {
	return m.submit(ctx, doc.ID(), func() (document.Document, error) { return doc, nil }, instruction)
}

// SubmitLookup is Submit for the document lookup returns for documentID.
// The lookup runs under the session lock, so a Replace cannot swap the
// document between lookup and acquisition.
func (m *Manager) SubmitLookup(ctx context.Context, documentID string, lookup func(id string) (document.Document, error), instruction string) (*Session, error) {
	return m.submit(ctx, documentID, func() (document.Document, error) { return lookup(documentID) }, instruction)
}

// Replace runs put while documentID has no active session, holding the
// session lock. Returns ErrConflict when a session is active.
func (m *Manager) Replace(documentID string, put func()) error {
	return m.locks.idle(documentID, put)
}

func (m *Manager) submit(ctx context.Context, documentID string, resolve func() (document.Document, error), instruction string) (*Session, error) {
	s := &Session{
		id:          uuid.NewString(),
		documentID:  documentID,
		instruction: instruction,
		manager:     m,
		state:       Proposing,
	}
	s.meter = cost.NewMeter(s.id)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	if err := m.locks.acquire(s, resolve); err != nil {
		return nil, err
	}

	log.Info("session %s: submit on document %s: %q", s.id, s.documentID, instruction)
	if err := s.propose(ctx, m.pipeline); err != nil {
		s.fail(err)
		return nil, err
	}
	return s, nil
}

func (s *Session) propose(ctx context.Context, p *pipeline.Pipeline) error {
	blocks := s.doc.Blocks()

	sel, err := p.Select(ctx, s.meter, document.Flatten(blocks), s.instruction)
	if err != nil {
		return stageError(pipeline.StageSelector, err, s.wasAborted())
	}
	rev, err := p.Revise(ctx, s.meter, sel, s.instruction)
	if err != nil {
		return stageError(pipeline.StageReviser, err, s.wasAborted())
	}
	records := reconcile.Match(blocks, sel, rev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return stageError(stageReconcile, err, s.aborted)
	}
	if err := reconcile.Mark(s.doc, records); err != nil {
		return &StageError{Stage: stageReconcile, Kind: KindDocument, Err: err}
	}
	s.selection = sel
	s.revision = rev
	s.records = records
	s.state = Proposed
	s.cancel = nil
	log.Info("session %s: proposed %d change(s) for %d span(s)", s.id, len(records), len(sel))
	return nil
}

// fail returns the session to Idle and frees the document.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = Idle
	s.cancel = nil
	s.records = nil
	s.mu.Unlock()
	s.manager.locks.release(s)
	log.Warn("session %s: submit failed: %v", s.id, err)
}

func (s *Session) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Active returns the session holding documentID.
func (m *Manager) Active(documentID string) (*Session, bool) {
	return m.locks.holder(documentID)
}

// Abort cancels the in-flight submit on documentID. The submit returns a
// *StageError of KindAborted and the document is released.
func (m *Manager) Abort(documentID string) error {
	s, ok := m.locks.holder(documentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, documentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Proposing || s.cancel == nil {
		return ErrNotProposing
	}
	s.aborted = true
	s.cancel()
	log.Info("session %s: aborted", s.id)
	return nil
}

// Outcome is the result of resolving a session.
type Outcome struct {
	SessionID string             `json:"session_id"`
	Accepted  bool               `json:"accepted"`
	Records   []reconcile.Record `json:"records"`
	Usage     llm.Usage          `json:"usage"`
	Cost      cost.Estimate      `json:"cost"`
}

// Accept commits every replacement as its block's text and ends the
// session. Every record's block is checked first so a missing block leaves
// the document untouched and the session still Proposed.
func (s *Session) Accept() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Proposed {
		return Outcome{}, ErrNotProposed
	}

	present := make(map[string]bool)
	for _, b := range s.doc.Blocks() {
		present[b.ID] = true
	}
	for _, r := range s.records {
		if !present[r.BlockID] {
			return Outcome{}, fmt.Errorf("accept: %w: %s", document.ErrBlockNotFound, r.BlockID)
		}
	}

	var errs []error
	for _, r := range s.records {
		errs = append(errs, s.resolveBlock(r.BlockID, r.Replacement))
	}
	return s.finish(true, errors.Join(errs...))
}

// Cancel restores every record's original text, discards the display
// forms and ends the session.
func (s *Session) Cancel() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Proposed {
		return Outcome{}, ErrNotProposed
	}

	var errs []error
	for _, r := range s.records {
		errs = append(errs, s.resolveBlock(r.BlockID, r.Original))
	}
	return s.finish(false, errors.Join(errs...))
}

func (s *Session) resolveBlock(id, text string) error {
	pending := false
	display := ""
	return s.doc.UpdateBlock(id, document.BlockUpdate{
		Text:    &text,
		Pending: &pending,
		Display: &display,
		Style:   map[string]string{document.StyleBackground: document.HighlightNone},
	})
}

// finish must be called with s.mu held.
func (s *Session) finish(accepted bool, err error) (Outcome, error) {
	s.state = Idle
	s.manager.locks.release(s)

	out := Outcome{
		SessionID: s.id,
		Accepted:  accepted,
		Records:   s.records,
		Usage:     s.meter.Totals(),
		Cost:      s.meter.Estimate(s.manager.table),
	}
	verb := "canceled"
	if accepted {
		verb = "accepted"
	}
	log.Info("session %s: %s %d change(s), $%.6f", s.id, verb, len(s.records), out.Cost.TotalUSD)
	if err != nil {
		return out, fmt.Errorf("%s: %w", verb, err)
	}
	return out, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DocumentID returns the document the session holds.
func (s *Session) DocumentID() string {
	return s.documentID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Records returns a copy of the match records.
func (s *Session) Records() []reconcile.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reconcile.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Meter returns the session's cost meter.
func (s *Session) Meter() *cost.Meter {
	return s.meter
}

// Change is one record with its review diff.
type Change struct {
	reconcile.Record
	Segments []diff.Segment `json:"segments"`
}

// Proposal is a read-only view of a session for review surfaces.
type Proposal struct {
	SessionID   string             `json:"session_id"`
	DocumentID  string             `json:"document_id"`
	Instruction string             `json:"instruction"`
	State       State              `json:"state"`
	Selection   pipeline.Selection `json:"selection"`
	Revision    pipeline.Revision  `json:"revision"`
	Changes     []Change           `json:"changes"`
	// Unmatched lists selection indices that matched no block.
	Unmatched []int         `json:"unmatched,omitempty"`
	Cost      cost.Estimate `json:"cost"`
}

// Proposal returns the review view of the session.
func (s *Session) Proposal() Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Proposal{
		SessionID:   s.id,
		DocumentID:  s.documentID,
		Instruction: s.instruction,
		State:       s.state,
		Selection:   s.selection,
		Revision:    s.revision,
		Changes:     make([]Change, 0, len(s.records)),
		Cost:        s.meter.Estimate(s.manager.table),
	}
	matched := make(map[int]bool, len(s.records))
	for _, r := range s.records {
		matched[r.Index] = true
		p.Changes = append(p.Changes, Change{Record: r, Segments: diff.Segments(r.Original, r.Replacement)})
	}
	for i := range s.selection {
		if !matched[i] {
			p.Unmatched = append(p.Unmatched, i)
		}
	}
	return p
}
