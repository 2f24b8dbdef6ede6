package diff

import (
	"testing"
)

func TestCompareIdenticalTexts(t *testing.T) {
	text := "# Title\n\nsome body\n"
	result := Compare("notes/a.md", text, text)

	if result.HasChanges() {
		t.Fatalf("identical texts must not differ: %+v", result)
	}
	if len(result.Lines) != 3 {
		t.Fatalf("expected 3 equal lines, got %d", len(result.Lines))
	}
	for i, line := range result.Lines {
		if line.Kind != Equal {
			t.Errorf("line %d should be equal: %+v", i, line)
		}
		if line.DepotLine != i+1 || line.LocalLine != i+1 {
			t.Errorf("line %d numbering wrong: %+v", i, line)
		}
	}
}

func TestCompareAddedLines(t *testing.T) {
	depot := "one\ntwo\n"
	local := "one\ntwo\nthree\n"
	result := Compare("a.md", depot, local)

	if result.Added != 1 || result.Removed != 0 {
		t.Fatalf("unexpected stats: +%d -%d", result.Added, result.Removed)
	}
	last := result.Lines[len(result.Lines)-1]
	if last.Kind != Added || last.Content != "three" {
		t.Errorf("unexpected trailing line: %+v", last)
	}
	if last.DepotLine != 0 || last.LocalLine != 3 {
		t.Errorf("added line numbering wrong: %+v", last)
	}
}

func TestCompareRemovedLines(t *testing.T) {
	depot := "one\ntwo\nthree\n"
	local := "one\nthree\n"
	result := Compare("a.md", depot, local)

	if result.Added != 0 || result.Removed != 1 {
		t.Fatalf("unexpected stats: +%d -%d", result.Added, result.Removed)
	}
	removed := result.Lines[1]
	if removed.Kind != Removed || removed.Content != "two" {
		t.Errorf("unexpected removed line: %+v", removed)
	}
	if removed.DepotLine != 2 || removed.LocalLine != 0 {
		t.Errorf("removed line numbering wrong: %+v", removed)
	}
}

func TestCompareReplacedLinesInterleave(t *testing.T) {
	depot := "keep\nold text\nkeep too\n"
	local := "keep\nnew text\nkeep too\n"
	result := Compare("a.md", depot, local)

	if result.Added != 1 || result.Removed != 1 {
		t.Fatalf("unexpected stats: +%d -%d", result.Added, result.Removed)
	}
	if result.Lines[1].Kind != Removed || result.Lines[1].Content != "old text" {
		t.Errorf("expected the removed side first: %+v", result.Lines[1])
	}
	if result.Lines[2].Kind != Added || result.Lines[2].Content != "new text" {
		t.Errorf("expected the added side second: %+v", result.Lines[2])
	}
	if result.Lines[3].Kind != Equal || result.Lines[3].DepotLine != 3 || result.Lines[3].LocalLine != 3 {
		t.Errorf("numbering drifted after the replace: %+v", result.Lines[3])
	}
}

func TestCompareNewFileHasNoDepotSide(t *testing.T) {
	result := Compare("new.md", "", "fresh\ncontent\n")

	if result.Removed != 0 || result.Added != 2 {
		t.Fatalf("unexpected stats: +%d -%d", result.Added, result.Removed)
	}
	for _, line := range result.Lines {
		if line.Kind != Added || line.DepotLine != 0 {
			t.Errorf("new file lines must all be additions: %+v", line)
		}
	}
}

func TestCompareTreatsCRLFAsEqual(t *testing.T) {
	depot := "one\ntwo\n"
	local := "one\r\ntwo\r\n"

	if result := Compare("a.md", depot, local); result.HasChanges() {
		t.Errorf("line ending style must not count as a change: %+v", result.Lines)
	}
}

func TestCompareEmptyBothSides(t *testing.T) {
	result := Compare("a.md", "", "")
	if result.HasChanges() || len(result.Lines) != 0 {
		t.Errorf("nothing to compare: %+v", result)
	}
}
