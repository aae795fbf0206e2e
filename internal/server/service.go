// Package server exposes revision sessions over a line-delimited JSON
// protocol on stdio and over HTTP. Both surfaces share one Service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/llm"
	"github.com/youruser/redline/internal/logging"
	"github.com/youruser/redline/internal/pipeline"
	"github.com/youruser/redline/internal/session"
)

var log = logging.Get()

// ErrBadRequest marks a request that is missing fields or malformed.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// Service holds documents and sessions for the request surfaces.
type Service struct {
	docs     *document.Store
	sessions *session.Manager
	pipeline *pipeline.Pipeline
	table    cost.Table
	version  string
}

// NewService returns a Service that revises through p.
func NewService(p *pipeline.Pipeline, table cost.Table, version string) *Service {
	if table == nil {
		table = cost.DefaultTable()
	}
	return &Service{
		docs:     document.NewStore(),
		sessions: session.NewManager(p, table),
		pipeline: p,
		table:    table,
		version:  version,
	}
}

// Version returns the build version reported by the surfaces.
func (s *Service) Version() string {
	return s.version
}

// LoadRequest creates or replaces a document. Blocks wins over Text when
// both are set.
type LoadRequest struct {
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	Blocks     []string `json:"blocks"`
}

// Load stores a new in-memory document.
func (s *Service) Load(req LoadRequest) (*document.Memory, error) {
	if len(req.Blocks) == 0 && strings.TrimSpace(req.Text) == "" {
		return nil, badRequest("missing required field: text or blocks")
	}
	var doc *document.Memory
	if len(req.Blocks) > 0 {
		doc = document.NewMemory(req.DocumentID, req.Blocks)
	} else {
		doc = document.FromText(req.DocumentID, req.Text)
	}
	if err := s.sessions.Replace(doc.ID(), func() { s.docs.Put(doc) }); err != nil {
		return nil, fmt.Errorf("load %s: %w", doc.ID(), err)
	}
	log.Info("loaded document %s with %d block(s)", doc.ID(), len(doc.Blocks()))
	return doc, nil
}

// Blocks returns the blocks of a document.
func (s *Service) Blocks(documentID string) ([]document.Block, error) {
	doc, err := s.document(documentID)
	if err != nil {
		return nil, err
	}
	return doc.Blocks(), nil
}

func (s *Service) document(documentID string) (*document.Memory, error) {
	if documentID == "" {
		return nil, badRequest("missing required field: document_id")
	}
	return s.docs.Get(documentID)
}

// Submit runs a revision session on a stored document and returns its
// proposal.
func (s *Service) Submit(ctx context.Context, documentID, instruction string) (session.Proposal, error) {
	if strings.TrimSpace(instruction) == "" {
		return session.Proposal{}, badRequest("missing required field: instruction")
	}
	if documentID == "" {
		return session.Proposal{}, badRequest("missing required field: document_id")
	}
	sess, err := s.sessions.SubmitLookup(ctx, documentID, s.lookup, instruction)
	if err != nil {
		return session.Proposal{}, err
	}
	return sess.Proposal(), nil
}

func (s *Service) lookup(documentID string) (document.Document, error) {
	doc, err := s.docs.Get(documentID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) active(documentID string) (*session.Session, error) {
	if _, err := s.document(documentID); err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Active(documentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNoSession, documentID)
	}
	return sess, nil
}

// Proposal returns the review view of the document's active session.
func (s *Service) Proposal(documentID string) (session.Proposal, error) {
	sess, err := s.active(documentID)
	if err != nil {
		return session.Proposal{}, err
	}
	return sess.Proposal(), nil
}

// Accept commits the document's proposal.
func (s *Service) Accept(documentID string) (session.Outcome, error) {
	sess, err := s.active(documentID)
	if err != nil {
		return session.Outcome{}, err
	}
	return sess.Accept()
}

// Cancel discards the document's proposal.
func (s *Service) Cancel(documentID string) (session.Outcome, error) {
	sess, err := s.active(documentID)
	if err != nil {
		return session.Outcome{}, err
	}
	return sess.Cancel()
}

// Abort cancels an in-flight submit on the document.
func (s *Service) Abort(documentID string) error {
	if _, err := s.document(documentID); err != nil {
		return err
	}
	return s.sessions.Abort(documentID)
}

// RevisionResult is the answer to a stateless revision request.
type RevisionResult struct {
	Selected    []string      `json:"selected"`
	Replacement []string      `json:"replacement"`
	Cost        cost.Estimate `json:"cost"`
}

// Revise runs both stages on raw text without creating a session.
func (s *Service) Revise(ctx context.Context, instruction, documentText string) (RevisionResult, error) {
	if strings.TrimSpace(instruction) == "" {
		return RevisionResult{}, badRequest("missing required field: instruction")
	}
	if strings.TrimSpace(documentText) == "" {
		return RevisionResult{}, badRequest("missing required field: document_text")
	}
	meter := cost.NewMeter("revise")
	sel, rev, err := s.pipeline.Run(ctx, meter, documentText, instruction)
	if err != nil {
		return RevisionResult{}, err
	}
	return RevisionResult{
		Selected:    sel,
		Replacement: rev,
		Cost:        meter.Estimate(s.table),
	}, nil
}

// Estimate returns a local token estimate for each text.
func (s *Service) Estimate(texts []string) ([]int, error) {
	if len(texts) == 0 {
		return nil, badRequest("missing or empty 'texts' array")
	}
	tokens := make([]int, len(texts))
	for i, t := range texts {
		tokens[i] = llm.EstimateTokensSimple(t)
	}
	return tokens, nil
}

// statusFor maps an error to its HTTP-equivalent status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, document.ErrDocumentNotFound),
		errors.Is(err, document.ErrBlockNotFound),
		errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrNotProposed),
		errors.Is(err, session.ErrNotProposing):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrProvider),
		errors.Is(err, pipeline.ErrFatalParse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
