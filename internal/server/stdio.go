package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxLine is the largest request line accepted on stdin.
const maxLine = 1024 * 1024

// request is one line of the stdio protocol.
type request struct {
	Action       string   `json:"action"`
	RequestID    any      `json:"request_id"`
	DocumentID   string   `json:"document_id"`
	Text         string   `json:"text"`
	Blocks       []string `json:"blocks"`
	Instruction  string   `json:"instruction"`
	DocumentText string   `json:"document_text"`
	Texts        []string `json:"texts"`
}

// Stdio serves the line-delimited JSON protocol: one request object per
// input line, one response object per output line. Responses carry the
// request_id of the request they answer. submit and revise run in the
// background so abort can reach an in-flight submit.
type Stdio struct {
	svc *Service

	mu  sync.Mutex
	out io.Writer
}

// NewStdio returns a protocol server writing responses to out.
func NewStdio(svc *Service, out io.Writer) *Stdio {
	return &Stdio{svc: svc, out: out}
}

// Serve reads requests from r until EOF or ctx is done, then waits for
// background requests to finish. When ctx ends first, Serve returns nil
// without waiting for the pending read on r.
func (s *Stdio) Serve(ctx context.Context, r io.Reader) error {
	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	var scanErr error
read:
	for {
		select {
		case <-gctx.Done():
			log.Info("stdio: stopping: %v", context.Cause(gctx))
			break read
		case line, ok := <-lines:
			if !ok {
				select {
				case scanErr = <-errc:
				default:
				}
				break read
			}
			s.handleRequest(gctx, g, line)
		}
	}
	if errors.Is(scanErr, bufio.ErrTooLong) {
		s.respond("", map[string]any{
			"type":    "error",
			"message": "Request too large (max 1MB). Split the document or send blocks.",
			"status":  400,
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("stdin: %w", scanErr)
	}
	return nil
}

func (s *Stdio) handleRequest(ctx context.Context, g *errgroup.Group, line string) {
	var req request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		s.respond("", map[string]any{"type": "error", "message": "Invalid JSON", "status": 400})
		return
	}
	log.Request(req.Action, line)
	reqID := requestID(req.RequestID)

	switch req.Action {
	case "ping":
		s.respond(reqID, map[string]any{"type": "ok"})

	case "version":
		s.respond(reqID, map[string]any{"type": "version", "version": s.svc.Version()})

	case "load":
		doc, err := s.svc.Load(LoadRequest{DocumentID: req.DocumentID, Text: req.Text, Blocks: req.Blocks})
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "document", "document_id": doc.ID(), "blocks": doc.Blocks()})

	case "blocks":
		blocks, err := s.svc.Blocks(req.DocumentID)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "blocks", "document_id": req.DocumentID, "blocks": blocks})

	case "submit":
		g.Go(func() error {
			proposal, err := s.svc.Submit(ctx, req.DocumentID, req.Instruction)
			if err != nil {
				s.respond(reqID, errorResponse(err))
				return nil
			}
			s.respond(reqID, map[string]any{"type": "proposal", "proposal": proposal})
			return nil
		})

	case "proposal":
		proposal, err := s.svc.Proposal(req.DocumentID)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "proposal", "proposal": proposal})

	case "accept", "cancel":
		resolve := s.svc.Accept
		if req.Action == "cancel" {
			resolve = s.svc.Cancel
		}
		outcome, err := resolve(req.DocumentID)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		blocks, _ := s.svc.Blocks(req.DocumentID)
		s.respond(reqID, map[string]any{"type": "outcome", "outcome": outcome, "blocks": blocks})

	case "abort":
		if err := s.svc.Abort(req.DocumentID); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok"})

	case "revise":
		g.Go(func() error {
			result, err := s.svc.Revise(ctx, req.Instruction, req.DocumentText)
			if err != nil {
				s.respond(reqID, errorResponse(err))
				return nil
			}
			s.respond(reqID, map[string]any{
				"type":        "revision",
				"selected":    result.Selected,
				"replacement": result.Replacement,
				"cost":        result.Cost,
			})
			return nil
		})

	case "estimate":
		tokens, err := s.svc.Estimate(req.Texts)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "text_token_estimate", "tokens": tokens})

	default:
		s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", req.Action), "status": 400})
	}
}

func errorResponse(err error) map[string]any {
	return map[string]any{"type": "error", "message": err.Error(), "status": statusFor(err)}
}

func (s *Stdio) respond(reqID string, data map[string]any) {
	if reqID != "" {
		data["request_id"] = reqID
	}
	out, err := json.Marshal(data)
	if err != nil {
		log.Error("Failed to encode response: %v", err)
		out, _ = json.Marshal(map[string]any{"type": "error", "message": err.Error(), "request_id": reqID, "status": 500})
	}
	msgType, _ := data["type"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	log.Response(msgType, string(out))
	s.out.Write(append(out, '\n'))
}

func requestID(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
