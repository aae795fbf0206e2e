package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/llm"
)

// Revise asks the model for one replacement per selected span. The worked
// example is sent as a prior user/assistant exchange. An empty selection
// returns an empty Revision without calling the model.
func (p *Pipeline) Revise(ctx context.Context, meter *cost.Meter, sel Selection, instruction string) (Revision, error) {
	if len(sel) == 0 {
		return Revision{}, nil
	}

	parts, err := json.Marshal([]string(sel))
	if err != nil {
		return nil, err
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: reviserPrompt},
		{Role: llm.RoleUser, Content: strings.TrimSpace(reviserExampleIn)},
		{Role: llm.RoleAssistant, Content: strings.TrimSpace(reviserExampleOut)},
		{Role: llm.RoleUser, Content: instructionBlock(instruction) + "\n\nParts:\n" + string(parts)},
	}
	log.Request(StageReviser, string(parts))

	items, err := p.complete(ctx, meter, StageReviser, messages, expectCount(len(sel)))
	if err != nil {
		return nil, err
	}
	return Revision(items), nil
}

// expectCount validates a list of exactly n items.
func expectCount(n int) validator {
	return func(text string) ([]string, error) {
		items, err := ParseList(text)
		if err != nil {
			return nil, err
		}
		if len(items) != n {
			return nil, fmt.Errorf("%w: expected exactly %d items, one per part in the same order, got %d", ErrMalformedOutput, n, len(items))
		}
		return items, nil
	}
}
