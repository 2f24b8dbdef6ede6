package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// LineKind classifies one line of a comparison.
type LineKind string

const (
	Equal   LineKind = "equal"
	Added   LineKind = "added"
	Removed LineKind = "removed"
)

// Line is a single row of the rendered diff. DepotLine and LocalLine
// are 1-based; 0 means the line has no counterpart on that side.
type Line struct {
	Kind      LineKind `json:"kind"`
	Content   string   `json:"content"`
	DepotLine int      `json:"depot_line,omitempty"`
	LocalLine int      `json:"local_line,omitempty"`
}

// Result is a structured diff of the local file against its depot
// revision, ready for the frontend to render.
type Result struct {
	VaultPath string `json:"vault_path"`
	Lines     []Line `json:"lines"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
}

// HasChanges reports whether any line differs.
func (r *Result) HasChanges() bool {
	return r.Added > 0 || r.Removed > 0
}

// Compare diffs depot text against local text line by line.
func Compare(vaultPath, depotText, localText string) *Result {
	depot := splitLines(depotText)
	local := splitLines(localText)

	result := &Result{VaultPath: vaultPath}

	opcodes, err := generateOpCodes(depot, local)
	if err != nil {
		// the matcher choked; a positional diff is still better than none
		result.Lines = simpleDiff(depot, local)
	} else {
		result.Lines = walkOpCodes(opcodes, depot, local)
	}

	for _, line := range result.Lines {
		switch line.Kind {
		case Added:
			result.Added++
		case Removed:
			result.Removed++
		}
	}
	return result
}

func walkOpCodes(opcodes []difflib.OpCode, depot, local []string) []Line {
	var lines []Line
	depotNo, localNo := 1, 1

	for _, op := range opcodes {
		i1, i2, j1, j2 := op.I1, op.I2, op.J1, op.J2

		switch op.Tag {
		case 'e':
			for i := i1; i < i2; i++ {
				lines = append(lines, Line{Kind: Equal, Content: depot[i], DepotLine: depotNo, LocalLine: localNo})
				depotNo++
				localNo++
			}
		case 'd':
			for i := i1; i < i2; i++ {
				lines = append(lines, Line{Kind: Removed, Content: depot[i], DepotLine: depotNo})
				depotNo++
			}
		case 'i':
			for j := j1; j < j2; j++ {
				lines = append(lines, Line{Kind: Added, Content: local[j], LocalLine: localNo})
				localNo++
			}
		case 'r':
			// interleave so replaced pairs render adjacent
			span := max(i2-i1, j2-j1)
			for k := 0; k < span; k++ {
				if k < i2-i1 {
					lines = append(lines, Line{Kind: Removed, Content: depot[i1+k], DepotLine: depotNo})
					depotNo++
				}
				if k < j2-j1 {
					lines = append(lines, Line{Kind: Added, Content: local[j1+k], LocalLine: localNo})
					localNo++
				}
			}
		}
	}
	return lines
}

func generateOpCodes(depot, local []string) (opcodes []difflib.OpCode, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher failed: %v", r)
		}
	}()

	matcher := difflib.NewMatcher(depot, local)
	return matcher.GetOpCodes(), nil
}

func simpleDiff(depot, local []string) []Line {
	var lines []Line
	depotNo, localNo := 1, 1

	for i := 0; i < max(len(depot), len(local)); i++ {
		hasDepot := i < len(depot)
		hasLocal := i < len(local)

		switch {
		case hasDepot && hasLocal && depot[i] == local[i]:
			lines = append(lines, Line{Kind: Equal, Content: depot[i], DepotLine: depotNo, LocalLine: localNo})
			depotNo++
			localNo++
		case hasDepot && hasLocal:
			lines = append(lines, Line{Kind: Removed, Content: depot[i], DepotLine: depotNo})
			lines = append(lines, Line{Kind: Added, Content: local[i], LocalLine: localNo})
			depotNo++
			localNo++
		case hasDepot:
			lines = append(lines, Line{Kind: Removed, Content: depot[i], DepotLine: depotNo})
			depotNo++
		case hasLocal:
			lines = append(lines, Line{Kind: Added, Content: local[i], LocalLine: localNo})
			localNo++
		}
	}
	return lines
}

// splitLines breaks text into lines without terminators. CRLF and LF
// input compare equal.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
