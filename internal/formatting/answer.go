// Package formatting finishes model-written answers for delivery.
package formatting

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
)

var (
	inlineCitation = regexp.MustCompile(`\[(\d{1,3})\]`)
	// A trailing reference list the model wrote on its own.
	trailingSources = regexp.MustCompile(`(?im)^#{1,3}\s*(references|sources|citations)\s*$`)
)

// CitedNumbers returns the distinct [n] markers used in text, ascending.
func CitedNumbers(text string) []int {
	seen := map[int]bool{}
	var out []int
	for _, m := range inlineCitation.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// StripSources removes a reference section the model appended. Only the last
// heading is considered so an earlier mention in the body survives.
func StripSources(text string) string {
	locs := trailingSources.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:locs[len(locs)-1][0]])
}

// FormatAnswer replaces any model-written reference list with one rebuilt
// from citations, so every number in the list resolves to a real locator.
func FormatAnswer(text string, citations []evidence.Citation) string {
	body := StripSources(text)
	return body + evidence.ReferencesSection(citations)
}

// UnknownCitations returns inline markers in text with no matching citation.
func UnknownCitations(text string, citations []evidence.Citation) []int {
	known := make(map[int]bool, len(citations))
	for _, c := range citations {
		known[c.Number] = true
	}
	var out []int
	for _, n := range CitedNumbers(text) {
		if !known[n] {
			out = append(out, n)
		}
	}
	return out
}
