package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// NewHandler registers the HTTP routes for svc.
func NewHandler(svc *Service) http.Handler {
	h := &httpHandler{svc: svc}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/version", h.handleVersion)
	mux.HandleFunc("POST /api/revise", h.handleRevise)
	mux.HandleFunc("POST /api/estimate", h.handleEstimate)
	mux.HandleFunc("POST /api/documents", h.handleLoad)
	mux.HandleFunc("GET /api/documents/{id}", h.handleBlocks)
	mux.HandleFunc("POST /api/documents/{id}/submit", h.handleSubmit)
	mux.HandleFunc("GET /api/documents/{id}/proposal", h.handleProposal)
	mux.HandleFunc("POST /api/documents/{id}/accept", h.handleAccept)
	mux.HandleFunc("POST /api/documents/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/documents/{id}/abort", h.handleAbort)

	return mux
}

// ListenAndServe serves handler on addr until ctx is done, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, handler)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http: listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type httpHandler struct {
	svc *Service
}

func (h *httpHandler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": h.svc.Version()})
}

func (h *httpHandler) handleRevise(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instruction  string `json:"instruction"`
		DocumentText string `json:"document_text"`
	}
	if !decode(w, r, &body) {
		return
	}
	result, err := h.svc.Revise(r.Context(), body.Instruction, body.DocumentText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *httpHandler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Texts []string `json:"texts"`
	}
	if !decode(w, r, &body) {
		return
	}
	tokens, err := h.svc.Estimate(body.Texts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (h *httpHandler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var body LoadRequest
	if !decode(w, r, &body) {
		return
	}
	doc, err := h.svc.Load(body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document_id": doc.ID(), "blocks": doc.Blocks()})
}

func (h *httpHandler) handleBlocks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	blocks, err := h.svc.Blocks(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "blocks": blocks})
}

func (h *httpHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instruction string `json:"instruction"`
	}
	if !decode(w, r, &body) {
		return
	}
	proposal, err := h.svc.Submit(r.Context(), r.PathValue("id"), body.Instruction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (h *httpHandler) handleProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.svc.Proposal(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (h *httpHandler) handleAccept(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.svc.Accept(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *httpHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.svc.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *httpHandler) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Abort(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, badRequest("invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn("http: %d: %v", status, err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "status": status})
}
