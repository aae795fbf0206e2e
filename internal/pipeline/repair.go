package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/llm"
)

// validator turns raw model text into a list or returns an error wrapping
// ErrMalformedOutput.
type validator func(text string) ([]string, error)

// complete makes one stage call and validates its output. Malformed output
// gets exactly one repair call: the conversation is replayed with the bad
// answer and a correction request appended. A second failure is
// ErrFatalParse.
func (p *Pipeline) complete(ctx context.Context, meter *cost.Meter, stage string, messages []llm.Message, validate validator) ([]string, error) {
	first, err := p.gateway.ChatComplete(ctx, messages)
	if err != nil {
		log.Warn("%s: provider call failed: %v", stage, err)
		return nil, providerError(stage, err)
	}
	record(meter, stage, p.gateway.Model(), first.Usage)
	log.Response(stage, first.Text)

	items, verr := validate(first.Text)
	if verr == nil {
		return items, nil
	}
	if !errors.Is(verr, ErrMalformedOutput) {
		return nil, verr
	}
	log.Warn("%s: output invalid, repairing: %v", stage, verr)

	retry := make([]llm.Message, 0, len(messages)+2)
	retry = append(retry, messages...)
	retry = append(retry,
		llm.Message{Role: llm.RoleAssistant, Content: first.Text},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(repairPrompt, verr)},
	)

	second, err := p.repair.ChatComplete(ctx, retry)
	if err != nil {
		log.Warn("%s: repair call failed: %v", stage, err)
		return nil, providerError(StageRepair, err)
	}
	record(meter, StageRepair, p.repair.Model(), second.Usage)
	log.Response(StageRepair, second.Text)

	items, verr = validate(second.Text)
	if verr != nil {
		log.Error("%s: output invalid after repair: %v", stage, verr)
		return nil, fmt.Errorf("%w: %s: %v", ErrFatalParse, stage, verr)
	}
	return items, nil
}
