// Package mcptools exposes the revision service as MCP tools.
package mcptools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/server"
	"github.com/youruser/redline/internal/session"
)

// ReviseInput is the input for revise_text.
type ReviseInput struct {
	Instruction  string `json:"instruction" jsonschema:"the natural-language change to apply"`
	DocumentText string `json:"documentText" jsonschema:"the full document text"`
}

// ReviseOutput pairs each selected span with its replacement.
type ReviseOutput struct {
	Selected    []string `json:"selected"`
	Replacement []string `json:"replacement"`
	Cost        Cost     `json:"cost"`
}

// LoadInput is the input for load_document.
type LoadInput struct {
	DocumentID string   `json:"documentId" jsonschema:"identifier to store the document under"`
	Text       string   `json:"text,omitempty" jsonschema:"document text, split into one block per non-empty line"`
	Blocks     []string `json:"blocks,omitempty" jsonschema:"explicit block texts; wins over text when both are set"`
}

// LoadOutput lists the stored blocks.
type LoadOutput struct {
	DocumentID string  `json:"documentId"`
	Blocks     []Block `json:"blocks"`
}

// Block is one document block as reported to MCP clients.
type Block struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Pending bool   `json:"pending"`
	Display string `json:"display"`
}

// ProposeInput is the input for propose_revision.
type ProposeInput struct {
	DocumentID  string `json:"documentId" jsonschema:"a document previously stored with load_document"`
	Instruction string `json:"instruction" jsonschema:"the natural-language change to apply"`
}

// DocumentInput names the document whose session accept or cancel resolves.
type DocumentInput struct {
	DocumentID string `json:"documentId" jsonschema:"the document with a proposed revision"`
}

// Change is one reconciled block replacement.
type Change struct {
	BlockID     string `json:"blockId"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Index       int    `json:"index"`
	Rule        string `json:"rule"`
	Pass        string `json:"pass"`
}

// ProposeOutput is the proposal left for review.
type ProposeOutput struct {
	SessionID string   `json:"sessionId"`
	State     string   `json:"state"`
	Changes   []Change `json:"changes"`
	Unmatched []int    `json:"unmatched"`
	Cost      Cost     `json:"cost"`
}

// OutcomeOutput reports how a session ended and the resulting blocks.
type OutcomeOutput struct {
	SessionID string  `json:"sessionId"`
	Accepted  bool    `json:"accepted"`
	Changed   int     `json:"changed"`
	Blocks    []Block `json:"blocks"`
	Cost      Cost    `json:"cost"`
}

// Cost summarizes a meter estimate.
type Cost struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalUSD         float64 `json:"totalUsd"`
	Estimated        bool    `json:"estimated"`
}

// NewServer creates an MCP server with the revision tools registered.
func NewServer(svc *server.Service) *mcp.Server {
	t := &tools{svc: svc}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "redline",
		Version: svc.Version(),
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "revise_text",
		Description: "Select the parts of a document affected by an instruction and return one revised replacement per selected part.",
	}, t.revise)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "load_document",
		Description: "Store a document as blocks so revisions can be proposed against it.",
	}, t.load)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "propose_revision",
		Description: "Run a revision session on a stored document and mark the changed blocks as pending.",
	}, t.propose)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "accept_revision",
		Description: "Commit the pending replacements of a proposed revision.",
	}, t.accept)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "cancel_revision",
		Description: "Discard a proposed revision and restore the original block text.",
	}, t.cancel)

	return srv
}

// Run serves the tools on stdio until stdin closes or ctx is done.
func Run(ctx context.Context, svc *server.Service) error {
	return NewServer(svc).Run(ctx, &mcp.StdioTransport{})
}

type tools struct {
	svc *server.Service
}

func (t *tools) revise(ctx context.Context, _ *mcp.CallToolRequest, in ReviseInput) (*mcp.CallToolResult, ReviseOutput, error) {
	result, err := t.svc.Revise(ctx, in.Instruction, in.DocumentText)
	if err != nil {
		return nil, ReviseOutput{}, err
	}
	return nil, ReviseOutput{
		Selected:    nonNil(result.Selected),
		Replacement: nonNil(result.Replacement),
		Cost:        toCost(result.Cost),
	}, nil
}

func (t *tools) load(_ context.Context, _ *mcp.CallToolRequest, in LoadInput) (*mcp.CallToolResult, LoadOutput, error) {
	doc, err := t.svc.Load(server.LoadRequest{DocumentID: in.DocumentID, Text: in.Text, Blocks: in.Blocks})
	if err != nil {
		return nil, LoadOutput{}, err
	}
	return nil, LoadOutput{DocumentID: doc.ID(), Blocks: t.blocks(doc.ID())}, nil
}

func (t *tools) propose(ctx context.Context, _ *mcp.CallToolRequest, in ProposeInput) (*mcp.CallToolResult, ProposeOutput, error) {
	p, err := t.svc.Submit(ctx, in.DocumentID, in.Instruction)
	if err != nil {
		return nil, ProposeOutput{}, err
	}
	out := ProposeOutput{
		SessionID: p.SessionID,
		State:     p.State.String(),
		Changes:   make([]Change, 0, len(p.Changes)),
		Unmatched: make([]int, 0, len(p.Unmatched)),
		Cost:      toCost(p.Cost),
	}
	for _, c := range p.Changes {
		out.Changes = append(out.Changes, Change{
			BlockID:     c.BlockID,
			Original:    c.Original,
			Replacement: c.Replacement,
			Index:       c.Index,
			Rule:        c.Rule.String(),
			Pass:        c.Pass.String(),
		})
	}
	out.Unmatched = append(out.Unmatched, p.Unmatched...)
	return nil, out, nil
}

func (t *tools) accept(_ context.Context, _ *mcp.CallToolRequest, in DocumentInput) (*mcp.CallToolResult, OutcomeOutput, error) {
	o, err := t.svc.Accept(in.DocumentID)
	if err != nil {
		return nil, OutcomeOutput{}, err
	}
	return nil, t.outcome(in.DocumentID, o), nil
}

func (t *tools) cancel(_ context.Context, _ *mcp.CallToolRequest, in DocumentInput) (*mcp.CallToolResult, OutcomeOutput, error) {
	o, err := t.svc.Cancel(in.DocumentID)
	if err != nil {
		return nil, OutcomeOutput{}, err
	}
	return nil, t.outcome(in.DocumentID, o), nil
}

func (t *tools) outcome(documentID string, o session.Outcome) OutcomeOutput {
	return OutcomeOutput{
		SessionID: o.SessionID,
		Accepted:  o.Accepted,
		Changed:   len(o.Records),
		Blocks:    t.blocks(documentID),
		Cost:      toCost(o.Cost),
	}
}

func (t *tools) blocks(documentID string) []Block {
	blocks, _ := t.svc.Blocks(documentID)
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Block{ID: b.ID, Text: b.Text, Pending: b.Pending, Display: b.Display})
	}
	return out
}

func toCost(e cost.Estimate) Cost {
	return Cost{
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalUSD:         e.TotalUSD,
		Estimated:        e.Estimated,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
