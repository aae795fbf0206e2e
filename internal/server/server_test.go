package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/llm/llmtest"
	"github.com/youruser/redline/internal/pipeline"
	"github.com/youruser/redline/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newService(replies ...llmtest.Reply) (*Service, *llmtest.Gateway) {
	gw := llmtest.New("gpt-4o-mini", replies...)
	return NewService(pipeline.New(gw), cost.DefaultTable(), "1.2.3"), gw
}

// stdioClient drives a Stdio server over pipes, one response per call.
type stdioClient struct {
	t    *testing.T
	in   *io.PipeWriter
	out  *bufio.Scanner
	done chan error
}

func startStdio(t *testing.T, svc *Service) *stdioClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &stdioClient{t: t, in: inW, out: bufio.NewScanner(outR), done: make(chan error, 1)}
	go func() {
		err := NewStdio(svc, outW).Serve(context.Background(), inR)
		outW.Close()
		c.done <- err
	}()
	t.Cleanup(func() {
		inW.Close()
		go io.Copy(io.Discard, outR)
		select {
		case err := <-c.done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after stdin closed")
		}
	})
	return c
}

func (c *stdioClient) send(req map[string]any) {
	c.t.Helper()
	line, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.in.Write(append(line, '\n'))
	require.NoError(c.t, err)
}

func (c *stdioClient) sendRaw(line string) {
	c.t.Helper()
	_, err := c.in.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *stdioClient) read() map[string]any {
	c.t.Helper()
	require.True(c.t, c.out.Scan(), "expected a response line")
	var resp map[string]any
	require.NoError(c.t, json.Unmarshal(c.out.Bytes(), &resp))
	return resp
}

func (c *stdioClient) call(req map[string]any) map[string]any {
	c.t.Helper()
	c.send(req)
	return c.read()
}

func TestStdioSessionFlow(t *testing.T) {
	svc, _ := newService(
		llmtest.Text(`["2 tbsp sugar"]`),
		llmtest.Text(`["2 tbsp maple syrup"]`),
	)
	c := startStdio(t, svc)

	resp := c.call(map[string]any{"action": "ping", "request_id": 1})
	assert.Equal(t, "ok", resp["type"])
	assert.Equal(t, "1", resp["request_id"])

	resp = c.call(map[string]any{"action": "version", "request_id": "v"})
	assert.Equal(t, "1.2.3", resp["version"])

	resp = c.call(map[string]any{"action": "load", "document_id": "recipe", "blocks": []string{"1 cup flour", "2 tbsp sugar"}})
	require.Equal(t, "document", resp["type"], "resp = %v", resp)
	assert.Len(t, resp["blocks"], 2)

	resp = c.call(map[string]any{"action": "submit", "request_id": 7, "document_id": "recipe", "instruction": "convert sugar to maple syrup"})
	require.Equal(t, "proposal", resp["type"], "resp = %v", resp)
	assert.Equal(t, "7", resp["request_id"])
	proposal := resp["proposal"].(map[string]any)
	assert.Equal(t, "proposed", proposal["state"])
	changes := proposal["changes"].([]any)
	require.Len(t, changes, 1)
	change := changes[0].(map[string]any)
	assert.Equal(t, "2 tbsp maple syrup", change["replacement"])
	assert.Equal(t, "verbatim", change["rule"])

	resp = c.call(map[string]any{"action": "blocks", "document_id": "recipe"})
	blocks := resp["blocks"].([]any)
	second := blocks[1].(map[string]any)
	assert.Equal(t, true, second["pending"])
	assert.Equal(t, "2 tbsp sugar → 2 tbsp maple syrup", second["display"])

	resp = c.call(map[string]any{"action": "proposal", "document_id": "recipe"})
	assert.Equal(t, "proposal", resp["type"])

	resp = c.call(map[string]any{"action": "accept", "document_id": "recipe"})
	require.Equal(t, "outcome", resp["type"], "resp = %v", resp)
	outcome := resp["outcome"].(map[string]any)
	assert.Equal(t, true, outcome["accepted"])
	blocks = resp["blocks"].([]any)
	assert.Equal(t, "2 tbsp maple syrup", blocks[1].(map[string]any)["text"])

	resp = c.call(map[string]any{"action": "proposal", "document_id": "recipe"})
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, float64(404), resp["status"])
}

func TestStdioErrors(t *testing.T) {
	svc, _ := newService()
	c := startStdio(t, svc)

	c.sendRaw("{not json")
	resp := c.read()
	assert.Equal(t, "Invalid JSON", resp["message"])
	assert.Equal(t, float64(400), resp["status"])

	tests := []struct {
		name   string
		req    map[string]any
		status float64
	}{
		{"unknown action", map[string]any{"action": "dance"}, 400},
		{"load without content", map[string]any{"action": "load", "document_id": "d"}, 400},
		{"blocks of missing document", map[string]any{"action": "blocks", "document_id": "nope"}, 404},
		{"submit without document_id", map[string]any{"action": "submit", "instruction": "x"}, 400},
		{"submit unknown document", map[string]any{"action": "submit", "document_id": "nope", "instruction": "x"}, 404},
		{"accept without document_id", map[string]any{"action": "accept"}, 400},
		{"abort unknown document", map[string]any{"action": "abort", "document_id": "nope"}, 404},
		{"empty estimate", map[string]any{"action": "estimate"}, 400},
		{"revise without text", map[string]any{"action": "revise", "instruction": "x"}, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.call(tt.req)
			assert.Equal(t, "error", resp["type"])
			assert.Equal(t, tt.status, resp["status"], "message: %v", resp["message"])
		})
	}
}

func TestStdioAbort(t *testing.T) {
	svc, gw := newService(
		llmtest.Reply{Block: true},
	)
	c := startStdio(t, svc)

	c.call(map[string]any{"action": "load", "document_id": "d", "text": "2 tbsp sugar"})
	c.send(map[string]any{"action": "submit", "request_id": "s", "document_id": "d", "instruction": "honey"})

	select {
	case <-gw.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("selector call never started")
	}

	c.send(map[string]any{"action": "abort", "request_id": "a", "document_id": "d"})
	byID := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		resp := c.read()
		byID[resp["request_id"].(string)] = resp
	}

	assert.Equal(t, "ok", byID["a"]["type"])
	assert.Equal(t, "error", byID["s"]["type"])
	assert.Equal(t, float64(504), byID["s"]["status"])

	resp := c.call(map[string]any{"action": "abort", "document_id": "d"})
	assert.Equal(t, float64(404), resp["status"], "nothing left to abort")
}

func TestStdioReviseAndEstimate(t *testing.T) {
	svc, _ := newService(
		llmtest.Text(`{"selected_parts": ["2 tbsp sugar"]}`),
		llmtest.Text(`{"modified_recipe": ["2 tbsp honey"]}`),
	)
	c := startStdio(t, svc)

	resp := c.call(map[string]any{"action": "revise", "instruction": "use honey", "document_text": "1 cup flour\n2 tbsp sugar"})
	require.Equal(t, "revision", resp["type"], "resp = %v", resp)
	assert.Equal(t, []any{"2 tbsp sugar"}, resp["selected"])
	assert.Equal(t, []any{"2 tbsp honey"}, resp["replacement"])
	costs := resp["cost"].(map[string]any)
	assert.Equal(t, float64(200), costs["prompt_tokens"])

	resp = c.call(map[string]any{"action": "estimate", "texts": []string{"", "convert sugar to maple syrup"}})
	tokens := resp["tokens"].([]any)
	require.Len(t, tokens, 2)
	assert.Equal(t, float64(0), tokens[0])
	assert.Greater(t, tokens[1].(float64), float64(0))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{badRequest("x"), http.StatusBadRequest},
		{fmt.Errorf("get: %w", document.ErrDocumentNotFound), http.StatusNotFound},
		{session.ErrNoSession, http.StatusNotFound},
		{session.ErrConflict, http.StatusConflict},
		{session.ErrNotProposed, http.StatusConflict},
		{&session.StageError{Stage: "selector", Kind: session.KindProvider, Err: fmt.Errorf("%w: boom", pipeline.ErrProvider)}, http.StatusBadGateway},
		{&session.StageError{Stage: "reviser", Kind: session.KindFatalParse, Err: pipeline.ErrFatalParse}, http.StatusBadGateway},
		{fmt.Errorf("%w: selector: %w", pipeline.ErrProvider, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "statusFor(%v)", tt.err)
	}
}

func TestLoadWhileSessionActive(t *testing.T) {
	svc, gw := newService(llmtest.Reply{Block: true})
	_, err := svc.Load(LoadRequest{DocumentID: "d", Text: "2 tbsp sugar"})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Submit(context.Background(), "d", "honey")
		errc <- err
	}()
	select {
	case <-gw.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("selector call never started")
	}

	_, err = svc.Load(LoadRequest{DocumentID: "d", Text: "1 cup flour"})
	assert.ErrorIs(t, err, session.ErrConflict)
	assert.Equal(t, http.StatusConflict, statusFor(err))

	blocks, err := svc.Blocks("d")
	require.NoError(t, err)
	assert.Equal(t, "2 tbsp sugar", blocks[0].Text, "active document kept")

	require.NoError(t, svc.Abort("d"))
	assert.Error(t, <-errc)

	doc, err := svc.Load(LoadRequest{DocumentID: "d", Text: "1 cup flour"})
	require.NoError(t, err)
	assert.Equal(t, "1 cup flour", doc.Blocks()[0].Text)
}

func TestStdioStopsOnCancel(t *testing.T) {
	svc, _ := newService()
	inR, inW := io.Pipe()
	t.Cleanup(func() { inW.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewStdio(svc, io.Discard).Serve(ctx, inR) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve still blocked on stdin after cancel")
	}
}
