// Package cost accounts token usage for one revision session and prices it
// against a static per-model rate table.
package cost

import (
	"sort"
	"strings"
	"sync"

	"github.com/youruser/redline/internal/config"
	"github.com/youruser/redline/internal/llm"
	"github.com/youruser/redline/internal/logging"
)

var log = logging.Get()

// Rate is a price per 1000 tokens in USD.
type Rate struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Table maps model identifiers to rates.
type Table map[string]Rate

// DefaultTable returns the built-in rates.
func DefaultTable() Table {
	return Table{
		"gpt-4o-mini":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4.1-mini":     {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		"gpt-4.1":          {InputPer1K: 0.002, OutputPer1K: 0.008},
		"gpt-3.5-turbo":    {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"claude-3-haiku":   {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	}
}

// TableFor returns the default table with the config's pricing entries
// added or overriding.
func TableFor(cfg *config.Config) Table {
	t := DefaultTable()
	if cfg == nil {
		return t
	}
	for model, r := range cfg.Pricing {
		t[model] = Rate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
	}
	return t
}

// Lookup finds the rate for model. An exact key wins; otherwise the longest
// key that prefixes the model (ignoring a "vendor/" prefix) is used, so
// dated snapshots such as "gpt-4o-mini-2024-07-18" resolve.
func (t Table) Lookup(model string) (Rate, bool) {
	if r, ok := t[model]; ok {
		return r, true
	}
	name := model
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if r, ok := t[name]; ok {
		return r, true
	}

	best := ""
	for key := range t {
		if strings.HasPrefix(name, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Rate{}, false
	}
	return t[best], true
}

// Entry is the usage of one LLM call.
type Entry struct {
	Stage string    `json:"stage"`
	Model string    `json:"model"`
	Usage llm.Usage `json:"usage"`
}

// Meter accumulates the usage of every call made for one session.
type Meter struct {
	mu      sync.Mutex
	owner   string
	entries []Entry
}

// NewMeter returns an empty meter. owner labels the meter's log lines.
func NewMeter(owner string) *Meter {
	return &Meter{owner: owner}
}

// Record adds the usage of one call.
func (m *Meter) Record(stage, model string, usage llm.Usage) {
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Stage: stage, Model: model, Usage: usage})
	m.mu.Unlock()
	log.Stage(m.owner, stage, model, usage.PromptTokens, usage.CompletionTokens)
}

// Entries returns a copy of the recorded entries in call order.
func (m *Meter) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Totals returns the summed usage of all entries. Estimated is set when
// any entry was estimated.
func (m *Meter) Totals() llm.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total llm.Usage
	for _, e := range m.entries {
		total.PromptTokens += e.Usage.PromptTokens
		total.CompletionTokens += e.Usage.CompletionTokens
		total.TotalTokens += e.Usage.TotalTokens
		total.Estimated = total.Estimated || e.Usage.Estimated
	}
	return total
}

// Estimate is the priced usage of a meter.
type Estimate struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	InputUSD         float64 `json:"input_usd"`
	OutputUSD        float64 `json:"output_usd"`
	TotalUSD         float64 `json:"total_usd"`
	// Estimated is set when some token counts were estimated locally.
	Estimated bool `json:"estimated,omitempty"`
	// Unpriced lists models with no rate; their tokens are counted but
	// cost nothing.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Estimate prices the recorded usage against t.
func (m *Meter) Estimate(t Table) Estimate {
	var est Estimate
	unpriced := make(map[string]bool)
	for _, e := range m.Entries() {
		est.PromptTokens += e.Usage.PromptTokens
		est.CompletionTokens += e.Usage.CompletionTokens
		est.Estimated = est.Estimated || e.Usage.Estimated

		rate, ok := t.Lookup(e.Model)
		if !ok {
			unpriced[e.Model] = true
			continue
		}
		est.InputUSD += float64(e.Usage.PromptTokens) / 1000 * rate.InputPer1K
		est.OutputUSD += float64(e.Usage.CompletionTokens) / 1000 * rate.OutputPer1K
	}
	est.TotalUSD = est.InputUSD + est.OutputUSD

	for model := range unpriced {
		est.Unpriced = append(est.Unpriced, model)
	}
	sort.Strings(est.Unpriced)
	return est
}
