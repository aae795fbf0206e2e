package diff

import (
	"strings"
	"testing"
)

func TestInline(t *testing.T) {
	if got := Inline("2 tbsp sugar", "2 tbsp maple syrup"); got != "2 tbsp sugar → 2 tbsp maple syrup" {
		t.Errorf("Inline = %q", got)
	}
}

func TestSegments(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		got := Segments("1 cup flour", "1 cup flour")
		if len(got) != 1 || got[0].Type != SegmentEqual {
			t.Fatalf("Segments = %+v, want one equal segment", got)
		}
		if Changed(got) {
			t.Error("Changed = true for identical text")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := Segments("", ""); got != nil {
			t.Errorf("Segments = %+v, want nil", got)
		}
	})

	t.Run("replacement", func(t *testing.T) {
		got := Segments("2 tbsp sugar", "2 tbsp maple syrup")
		if !Changed(got) {
			t.Fatal("Changed = false, want true")
		}

		var before, after strings.Builder
		for _, s := range got {
			switch s.Type {
			case SegmentEqual:
				before.WriteString(s.Text)
				after.WriteString(s.Text)
			case SegmentRemoved:
				before.WriteString(s.Text)
			case SegmentAdded:
				after.WriteString(s.Text)
			default:
				t.Fatalf("unexpected segment type %q", s.Type)
			}
		}
		if before.String() != "2 tbsp sugar" {
			t.Errorf("original rebuilt as %q", before.String())
		}
		if after.String() != "2 tbsp maple syrup" {
			t.Errorf("replacement rebuilt as %q", after.String())
		}
		if got[0].Type != SegmentEqual || !strings.HasPrefix(got[0].Text, "2 tbsp") {
			t.Errorf("first segment = %+v, want shared prefix", got[0])
		}
	})
}
