package pipeline

import (
	"context"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/llm"
)

// Select asks the model which spans of documentText the instruction
// affects. Spans are trimmed and empty ones dropped.
func (p *Pipeline) Select(ctx context.Context, meter *cost.Meter, documentText, instruction string) (Selection, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: selectorPrompt},
		{Role: llm.RoleUser, Content: instructionBlock(instruction) + "\n\nDocument:\n" + documentText},
	}
	log.Request(StageSelector, instruction)

	items, err := p.complete(ctx, meter, StageSelector, messages, ParseList)
	if err != nil {
		return nil, err
	}
	sel := Selection(nonEmpty(items))
	log.Debug("selector: %d span(s) selected", len(sel))
	return sel, nil
}
