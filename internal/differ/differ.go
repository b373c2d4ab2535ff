// Package differ compares normalized fragment sequences and renders a unified diff.
package differ

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// DefaultContextLines is used when no context is configured.
const DefaultContextLines = 3

// Differ produces DiffResults. It is safe for concurrent use.
type Differ struct {
	context int
	dmp     *diffmatchpatch.DiffMatchPatch
}

// New builds a Differ emitting contextLines unchanged lines around each hunk.
func New(contextLines int) *Differ {
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	return &Differ{context: contextLines, dmp: diffmatchpatch.New()}
}

// Diff compares the previous snapshot against the current fragments. A nil
// previous is a first observation: it is always changed and every fragment is
// reported as added.
func (d *Differ) Diff(previous *monitor.Snapshot, current []string) (monitor.DiffResult, error) {
	var before []string
	if previous != nil {
		before = previous.Fragments
		if slices.Equal(before, current) {
			return monitor.DiffResult{}, nil
		}
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(before),
		B:        lines(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  d.context,
	})
	if err != nil {
		return monitor.DiffResult{}, fmt.Errorf("render diff: %w", err)
	}

	added, removed := counts(before, current)
	result := monitor.DiffResult{
		Changed: true,
		Text:    text,
		Added:   added,
		Removed: removed,
	}
	if previous == nil {
		result.ChangePercent = 100
	} else {
		result.ChangePercent = d.changePercent(before, current)
	}
	return result, nil
}

// lines turns fragments into newline-terminated diff lines. Embedded newlines
// are escaped so one fragment always maps to one line.
func lines(fragments []string) []string {
	out := make([]string, len(fragments))
	for i, f := range fragments {
		out[i] = strings.ReplaceAll(f, "\n", `\n`) + "\n"
	}
	return out
}

func counts(before, after []string) (added, removed int) {
	m := difflib.NewMatcher(before, after)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

// changePercent is the Levenshtein distance between the joined texts relative
// to the longer of the two.
func (d *Differ) changePercent(before, after []string) float64 {
	a := strings.Join(before, "\n")
	b := strings.Join(after, "\n")
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 0
	}
	diffs := d.dmp.DiffMain(a, b, false)
	return float64(d.dmp.DiffLevenshtein(diffs)) / float64(longest) * 100
}
