package blame

import (
	"regexp"
	"strings"
	"time"

	"p4vault/internal/p4"
)

// Line is one annotated source line. LineNumber counts emitted lines
// only, so dropped input lines leave no gaps.
type Line struct {
	LineNumber  int         `json:"line_number"`
	Changelist  p4.ChangeID `json:"changelist"`
	Author      string      `json:"author,omitempty"`
	Date        string      `json:"date,omitempty"`
	Content     string      `json:"content"`
	Description string      `json:"description,omitempty"`
}

// Result is the parsed annotation for one file.
type Result struct {
	VaultPath string    `json:"vault_path"`
	Lines     []Line    `json:"lines"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Annotation output varies by server version and locale. Each format is
// tried in order and the first match wins; a line matching none is
// dropped rather than failing the whole parse.
type lineFormat struct {
	re      *regexp.Regexp
	extract func(match []string) Line
}

var lineFormats = []lineFormat{
	// 48: mord4r 2025/11/08 content (an optional " - " separator
	// before the content is consumed, not emitted)
	{
		re: regexp.MustCompile(`^(\d+):\s+(\S+)\s+(\d{4}/\d{2}/\d{2})(?:\s+-\s|\s)(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[1]), Author: m[2], Date: m[3], Content: m[4]}
		},
	},
	// 48: mord4r 2025/11/08: content
	{
		re: regexp.MustCompile(`^(\d+):\s+(\S+)\s+(\d{4}/\d{2}/\d{2}):\s?(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[1]), Author: m[2], Date: m[3], Content: m[4]}
		},
	},
	// 48: mord4r: content
	{
		re: regexp.MustCompile(`^(\d+):\s+(\S+):\s?(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[1]), Author: m[2], Content: m[3]}
		},
	},
	// 48 - mord4r 2025/11/08: content
	{
		re: regexp.MustCompile(`^(\d+)\s*-\s*(\S+)\s+(\d{4}/\d{2}/\d{2}):\s?(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[1]), Author: m[2], Date: m[3], Content: m[4]}
		},
	},
	// 48: content
	{
		re: regexp.MustCompile(`^(\d+):\s?(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[1]), Content: m[2]}
		},
	},
	// mord4r 48 2025/11/08: content
	{
		re: regexp.MustCompile(`^(\S+)\s+(\d+)\s+(\d{4}/\d{2}/\d{2}):\s?(.*)$`),
		extract: func(m []string) Line {
			return Line{Changelist: p4.ParseChangeID(m[2]), Author: m[1], Date: m[3], Content: m[4]}
		},
	},
}

// ParseAnnotate parses raw annotate output into lines. File-header lines
// (depot-path prefixed) are skipped outright.
func ParseAnnotate(out string) []Line {
	var lines []Line
	for _, raw := range strings.Split(out, "\n") {
		raw = strings.TrimSuffix(raw, "\r")
		if raw == "" || strings.HasPrefix(raw, "//") {
			continue
		}
		for _, f := range lineFormats {
			m := f.re.FindStringSubmatch(raw)
			if m == nil {
				continue
			}
			line := f.extract(m)
			line.LineNumber = len(lines) + 1
			lines = append(lines, line)
			break
		}
	}
	return lines
}
