// Package pipeline implements the two LLM stages of a selective revision:
// the Selector picks the spans an instruction affects and the Reviser
// rewrites exactly those spans. Both stages validate model output into a
// string list and make at most one repair call when it does not parse.
package pipeline

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/youruser/redline/internal/cost"
	"github.com/youruser/redline/internal/llm"
	"github.com/youruser/redline/internal/logging"
)

//go:embed prompts/selector_system.txt
var selectorPrompt string

//go:embed prompts/reviser_system.txt
var reviserPrompt string

//go:embed prompts/reviser_example_in.txt
var reviserExampleIn string

//go:embed prompts/reviser_example_out.txt
var reviserExampleOut string

//go:embed prompts/repair.txt
var repairPrompt string

var log = logging.Get()

var (
	// ErrProvider wraps a failed gateway call.
	ErrProvider = errors.New("provider failure")
	// ErrMalformedOutput means model output did not validate.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrFatalParse means output still did not validate after repair.
	ErrFatalParse = errors.New("model output invalid after repair")
)

// Stage names, used for cost entries and errors.
const (
	StageSelector = "selector"
	StageReviser  = "reviser"
	StageRepair   = "repair"
)

// Selection is the ordered list of spans the Selector returned.
type Selection []string

// Revision holds one replacement per Selection entry, index-paired.
type Revision []string

// Pipeline runs the stages against a gateway.
type Pipeline struct {
	gateway llm.Gateway
	repair  llm.Gateway
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRepairGateway sends repair calls to g instead of the stage gateway.
func WithRepairGateway(g llm.Gateway) Option {
	return func(p *Pipeline) {
		if g != nil {
			p.repair = g
		}
	}
}

// New returns a Pipeline that calls gateway for both stages.
func New(gateway llm.Gateway, opts ...Option) *Pipeline {
	p := &Pipeline{gateway: gateway, repair: gateway}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Model returns the stage model name.
func (p *Pipeline) Model() string {
	return p.gateway.Model()
}

// Run selects and revises in one pass without touching any document. An
// empty Selection is a success with an empty Revision.
func (p *Pipeline) Run(ctx context.Context, meter *cost.Meter, documentText, instruction string) (Selection, Revision, error) {
	sel, err := p.Select(ctx, meter, documentText, instruction)
	if err != nil {
		return nil, nil, err
	}
	rev, err := p.Revise(ctx, meter, sel, instruction)
	if err != nil {
		return nil, nil, err
	}
	return sel, rev, nil
}

func providerError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProvider, stage, err)
}

func record(meter *cost.Meter, stage, model string, usage llm.Usage) {
	if meter != nil {
		meter.Record(stage, model, usage)
	}
}

func instructionBlock(instruction string) string {
	return "Instruction: " + strings.TrimSpace(instruction)
}
