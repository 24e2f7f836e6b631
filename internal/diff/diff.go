// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
)

// Line is one line of a diff with its type and 1-based line numbers.
// OldNum is 0 for additions, NewNum is 0 for deletions.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk is a continuous section of changes with its surrounding context,
// positioned the way unified diffs are
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) *DiffResult {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	script := editScript(oldLines, newLines)

	result := &DiffResult{Hunks: e.group(script)}
	for _, line := range script {
		switch line.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result
}

// Empty reports whether both sides were identical
func (r *DiffResult) Empty() bool {
	return r.Stats.Changes == 0
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// editScript walks a longest-common-subsequence table from the front and
// returns every line of both inputs in order
func editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)

	// lcs[i][j] is the LCS length of oldLines[i:] and newLines[j:]
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	script := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case i < n && (j == m || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		}
	}
	return script
}

// group cuts the script into hunks. Changes closer than twice the context
// size share one hunk.
func (e *Engine) group(script []Line) []Hunk {
	var hunks []Hunk

	for start := 0; start < len(script); {
		first := nextChange(script, start)
		if first < 0 {
			break
		}
		last := first
		for {
			next := nextChange(script, last+1)
			if next < 0 || next-last-1 > 2*e.contextLines {
				break
			}
			last = next
		}

		from := max(start, first-e.contextLines)
		to := min(len(script), last+e.contextLines+1)
		hunks = append(hunks, newHunk(script, from, to))
		start = to
	}
	return hunks
}

func nextChange(script []Line, from int) int {
	for i := from; i < len(script); i++ {
		if script[i].Type != Context {
			return i
		}
	}
	return -1
}

func newHunk(script []Line, from, to int) Hunk {
	h := Hunk{Lines: append([]Line(nil), script[from:to]...)}

	// lines of each side consumed before the hunk
	oldBefore, newBefore := 0, 0
	for _, line := range script[:from] {
		if line.Type != Addition {
			oldBefore++
		}
		if line.Type != Deletion {
			newBefore++
		}
	}
	for _, line := range h.Lines {
		if line.Type != Addition {
			h.OldLines++
		}
		if line.Type != Deletion {
			h.NewLines++
		}
	}

	h.OldStart, h.NewStart = oldBefore, newBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Format renders the diff in unified form
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			buf.WriteString(line.Prefix())
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

func (l Line) Prefix() string {
	switch l.Type {
	case Addition:
		return "+ "
	case Deletion:
		return "- "
	}
	return "  "
}

// Conflict holds the two sides of a conflicting file. With a known common
// base, Local and Remote are each diffed against it; without one, Local is
// the diff from the remote content to the local content and Remote is nil.
type Conflict struct {
	HasBase bool
	Local   *DiffResult
	Remote  *DiffResult
}

func (e *Engine) Conflict(base, local, remote []byte) *Conflict {
	if base == nil {
		return &Conflict{Local: e.Diff(remote, local)}
	}
	return &Conflict{
		HasBase: true,
		Local:   e.Diff(base, local),
		Remote:  e.Diff(base, remote),
	}
}
