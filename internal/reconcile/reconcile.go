// Package reconcile maps selected spans back onto document blocks.
//
// LLMs paraphrase the spans they select: a quantity written "½" comes back
// as "1/2", a unit gets dropped, a comma disappears. Matching tolerates a
// single leading or trailing token mismatch without edit-distance search.
//
// Candidate forms are tried in two passes. Every span goes through the
// strict pass before any span goes through the loose pass; within a pass,
// spans are taken in selection order and the first block in document order
// wins:
//  1. Strict: the block text, whitespace-normalized, equals the span, the
//     span without its first token, or the span without its last token.
//  2. Loose: case and punctuation folded, the block contains one of those
//     forms on token boundaries. Shortened forms must keep two tokens.
//
// A block is claimed by at most one span and a span claims at most one
// block. Spans with no match are dropped.
package reconcile

import (
	"errors"
	"strings"
	"unicode"

	"github.com/youruser/redline/internal/diff"
	"github.com/youruser/redline/internal/document"
	"github.com/youruser/redline/internal/logging"
)

var log = logging.Get()

// Rule names the candidate form that matched.
type Rule int

const (
	RuleVerbatim  Rule = iota // the span as selected
	RuleDropFirst             // span without its first token
	RuleDropLast              // span without its last token
)

func (r Rule) String() string {
	switch r {
	case RuleVerbatim:
		return "verbatim"
	case RuleDropFirst:
		return "drop-first"
	case RuleDropLast:
		return "drop-last"
	default:
		return "unknown"
	}
}

func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Pass names the matching pass that produced a record.
type Pass int

const (
	PassStrict Pass = 1
	PassLoose  Pass = 2
)

func (p Pass) String() string {
	if p == PassLoose {
		return "loose"
	}
	return "strict"
}

func (p Pass) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// minLooseTokens is the shortest shortened form the loose pass accepts.
const minLooseTokens = 2

// Record pairs one selected span with the block it was matched to.
type Record struct {
	BlockID     string `json:"block_id"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Index       int    `json:"index"`
	Rule        Rule   `json:"rule"`
	Pass        Pass   `json:"pass"`
}

type form struct {
	text string
	rule Rule
}

// Match computes the records for selected[i] -> revised[i] against blocks.
// It reads only block IDs and texts and does not modify anything. Indices
// beyond the shorter of the two slices are ignored.
func Match(blocks []document.Block, selected, revised []string) []Record {
	n := len(selected)
	if len(revised) < n {
		n = len(revised)
	}

	strict := make([]string, len(blocks))
	loose := make([]string, len(blocks))
	for i, b := range blocks {
		strict[i] = normalize(b.Text)
		loose[i] = fold(b.Text)
	}

	spans := make([]string, n)
	for i := range spans {
		spans[i] = normalize(selected[i])
	}

	// Strict matches of all spans are claimed before the loose pass runs.
	claimed := make([]bool, len(blocks))
	found := make([]*Record, n)
	claim := func(i, pos int, rule Rule, pass Pass) {
		claimed[pos] = true
		found[i] = &Record{
			BlockID:     blocks[pos].ID,
			Original:    blocks[pos].Text,
			Replacement: strings.TrimSpace(revised[i]),
			Index:       i,
			Rule:        rule,
			Pass:        pass,
		}
	}
	for i, span := range spans {
		if span == "" {
			continue
		}
		if pos, rule := findStrict(strict, claimed, span); pos >= 0 {
			claim(i, pos, rule, PassStrict)
		}
	}
	for i, span := range spans {
		if span == "" || found[i] != nil {
			continue
		}
		if pos, rule := findLoose(loose, claimed, span); pos >= 0 {
			claim(i, pos, rule, PassLoose)
		}
	}

	records := make([]Record, 0, n)
	for i, r := range found {
		if r == nil {
			if spans[i] != "" {
				log.Debug("reconcile: span %d %q matched no block", i, spans[i])
			}
			continue
		}
		records = append(records, *r)
	}
	return records
}

func findStrict(blocks []string, claimed []bool, span string) (int, Rule) {
	forms := candidates(span, 1)
	for pos, text := range blocks {
		if claimed[pos] || text == "" {
			continue
		}
		for _, f := range forms {
			if text == f.text {
				return pos, f.rule
			}
		}
	}
	return -1, 0
}

func findLoose(blocks []string, claimed []bool, span string) (int, Rule) {
	forms := candidates(fold(span), minLooseTokens)
	if len(forms) == 0 {
		return -1, 0
	}
	for pos, text := range blocks {
		if claimed[pos] || text == "" {
			continue
		}
		padded := " " + text + " "
		for _, f := range forms {
			if strings.Contains(padded, " "+f.text+" ") {
				return pos, f.rule
			}
		}
	}
	return -1, 0
}

// candidates returns the verbatim form and, for spans of two or more
// tokens, the forms with the first or last token removed when they keep at
// least minTokens tokens.
func candidates(span string, minTokens int) []form {
	tokens := strings.Fields(span)
	if len(tokens) == 0 {
		return nil
	}
	forms := []form{{text: strings.Join(tokens, " "), rule: RuleVerbatim}}
	if len(tokens) < 2 || len(tokens)-1 < minTokens {
		return forms
	}
	forms = append(forms,
		form{text: strings.Join(tokens[1:], " "), rule: RuleDropFirst},
		form{text: strings.Join(tokens[:len(tokens)-1], " "), rule: RuleDropLast},
	)
	return forms
}

// normalize trims s and collapses internal whitespace runs to one space.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fold lowercases s, turns punctuation and symbols into spaces, and
// normalizes whitespace.
func fold(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	return normalize(mapped)
}

// Mark sets the pending flag, display form and highlight on every matched
// block. If an
// update fails, flags already set by this call are cleared before the error
// is returned.
func Mark(doc document.Document, records []Record) error {
	pending := true
	for i, r := range records {
		display := diff.Inline(r.Original, r.Replacement)
		u := document.BlockUpdate{
			Pending: &pending,
			Display: &display,
			Style:   map[string]string{document.StyleBackground: document.HighlightPending},
		}
		if err := doc.UpdateBlock(r.BlockID, u); err != nil {
			return errors.Join(err, Clear(doc, records[:i]))
		}
	}
	return nil
}

// Clear removes the pending flag, display form and highlight from the
// records' blocks.
// It visits every record even when some updates fail.
func Clear(doc document.Document, records []Record) error {
	pending := false
	display := ""
	u := document.BlockUpdate{
		Pending: &pending,
		Display: &display,
		Style:   map[string]string{document.StyleBackground: document.HighlightNone},
	}
	var errs []error
	for _, r := range records {
		if err := doc.UpdateBlock(r.BlockID, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
