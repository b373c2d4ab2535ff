// Package normalizer applies trim, deduplication and sort policies to extracted fragments.
package normalizer

import (
	"slices"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Normalize returns a new sequence with the enabled policies applied in the
// fixed order trim, dedup, sort. The input is never modified.
func Normalize(fragments []string, settings monitor.ExtractionSettings) []string {
	out := make([]string, len(fragments))
	copy(out, fragments)

	if settings.Trim {
		out = trim(out)
	}
	if settings.Deduplication {
		out = dedup(out)
	}
	if settings.Sort {
		slices.Sort(out)
	}
	return out
}

func trim(fragments []string) []string {
	for i, f := range fragments {
		fragments[i] = strings.TrimSpace(f)
	}
	return fragments
}

// dedup keeps the first occurrence of every fragment.
func dedup(fragments []string) []string {
	seen := make(map[string]struct{}, len(fragments))
	out := fragments[:0]
	for _, f := range fragments {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
