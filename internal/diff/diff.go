// Package diff renders pending revisions for review.
package diff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Arrow separates the original and replacement in the inline display form.
const Arrow = " → "

// Inline returns the display form of a pending change.
func Inline(original, replacement string) string {
	return original + Arrow + replacement
}

const (
	SegmentEqual   = "equal"
	SegmentRemoved = "removed"
	SegmentAdded   = "added"
)

// Segment is one run of a character diff between two block texts.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Segments diffs original against replacement and merges the result into
// human-readable runs.
func Segments(original, replacement string) []Segment {
	if original == replacement {
		if original == "" {
			return nil
		}
		return []Segment{{Type: SegmentEqual, Text: original}}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, replacement, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		var kind string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			kind = SegmentEqual
		case diffmatchpatch.DiffDelete:
			kind = SegmentRemoved
		case diffmatchpatch.DiffInsert:
			kind = SegmentAdded
		}
		segments = append(segments, Segment{Type: kind, Text: d.Text})
	}
	return segments
}

// Changed reports whether any segment adds or removes text.
func Changed(segments []Segment) bool {
	for _, s := range segments {
		if s.Type != SegmentEqual {
			return true
		}
	}
	return false
}
