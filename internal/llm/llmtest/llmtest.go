// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/youruser/redline/internal/llm"
)

// ErrExhausted is returned when the script has no reply left.
var ErrExhausted = errors.New("llmtest: no scripted reply left")

// Reply is one scripted gateway answer. Err takes precedence over Text.
type Reply struct {
	Text  string
	Usage llm.Usage
	Err   error
	// Block makes the call wait until its context is done.
	Block bool
}

// Text is shorthand for a reply with fixed usage.
func Text(s string) Reply {
	return Reply{Text: s, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}}
}

// Fail is shorthand for a reply that returns err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// Gateway replays replies in order and records every request.
type Gateway struct {
	mu      sync.Mutex
	model   string
	replies []Reply
	calls   [][]llm.Message
	// Started receives a value when a blocking reply starts waiting.
	Started chan struct{}
}

var _ llm.Gateway = (*Gateway)(nil)

// New returns a gateway for model that answers with replies in order.
func New(model string, replies ...Reply) *Gateway {
	return &Gateway{model: model, replies: replies, Started: make(chan struct{}, 1)}
}

// Model returns the configured model name.
func (g *Gateway) Model() string {
	return g.model
}

// ChatComplete returns the next scripted reply.
func (g *Gateway) ChatComplete(ctx context.Context, messages []llm.Message) (llm.Completion, error) {
	g.mu.Lock()
	copied := make([]llm.Message, len(messages))
	copy(copied, messages)
	g.calls = append(g.calls, copied)
	if len(g.replies) == 0 {
		g.mu.Unlock()
		return llm.Completion{}, ErrExhausted
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	g.mu.Unlock()

	if r.Block {
		select {
		case g.Started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return llm.Completion{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return llm.Completion{}, err
	}
	if r.Err != nil {
		return llm.Completion{}, r.Err
	}
	return llm.Completion{Text: r.Text, Usage: r.Usage}, nil
}

// Calls returns the messages of every call made so far.
func (g *Gateway) Calls() [][]llm.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]llm.Message, len(g.calls))
	copy(out, g.calls)
	return out
}

// Remaining returns the number of unused replies.
func (g *Gateway) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.replies)
}
