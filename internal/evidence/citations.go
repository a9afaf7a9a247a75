package evidence

import (
	"fmt"
	"path"
	"strings"

	"github.com/Kocoro-lab/prosearch/internal/util"
)

// Citation is one numbered reference in a final answer.
type Citation struct {
	Number  int        `json:"number"`
	Kind    SourceKind `json:"kind"`
	Locator string     `json:"locator"`
	Label   string     `json:"label,omitempty"`
}

// academicSnippetRunes bounds knowledge-base content quoted into summaries.
const academicSnippetRunes = 200

// BuildCitations numbers the unique citation locators of items in order of
// first appearance. Items without a locator are skipped.
func BuildCitations(items []Item) []Citation {
	seen := make(map[string]int)
	var out []Citation
	for _, it := range items {
		loc := it.CitationLocator()
		if loc == "" {
			continue
		}
		if _, ok := seen[loc]; ok {
			continue
		}
		c := Citation{Number: len(out) + 1, Kind: it.Kind, Locator: loc, Label: label(it)}
		seen[loc] = c.Number
		out = append(out, c)
	}
	return out
}

func label(it Item) string {
	if it.Title != "" {
		return it.Title
	}
	if it.Kind == KindAcademic && it.RawPath != "" {
		name := path.Base(strings.ReplaceAll(it.RawPath, `\`, "/"))
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return ""
}

// FormatSummaries renders the evidence as one text block per originating
// query and source kind, in first-appearance order. Every statement carries
// the [n] marker of its citation so downstream synthesis can cite it.
func FormatSummaries(items []Item, citations []Citation) []string {
	numbers := make(map[string]int, len(citations))
	for _, c := range citations {
		numbers[c.Locator] = c.Number
	}

	type group struct {
		query string
		kind  SourceKind
		items []Item
	}
	var order []*group
	index := make(map[string]*group)
	for _, it := range items {
		key := string(it.Kind) + "\x00" + it.Query
		g, ok := index[key]
		if !ok {
			g = &group{query: it.Query, kind: it.Kind}
			index[key] = g
			order = append(order, g)
		}
		g.items = append(g.items, it)
	}

	out := make([]string, 0, len(order))
	for _, g := range order {
		var b strings.Builder
		switch g.kind {
		case KindAcademic:
			fmt.Fprintf(&b, "Knowledge base results for %q (%d documents):\n", g.query, len(g.items))
			for i, it := range g.items {
				fmt.Fprintf(&b, "Document %d (score %.3f): %s [%d]\n", i+1, it.Score,
					util.TruncateString(it.Content, academicSnippetRunes, true), numbers[it.CitationLocator()])
			}
		default:
			fmt.Fprintf(&b, "Web results for %q:\n", g.query)
			for _, it := range g.items {
				fmt.Fprintf(&b, "%s [%d]\n", strings.TrimSpace(it.Content), numbers[it.CitationLocator()])
			}
		}
		out = append(out, strings.TrimRight(b.String(), "\n"))
	}
	return out
}

// ReferencesSection renders the trailing reference list of a final answer.
func ReferencesSection(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	refs := make([]string, 0, len(citations))
	for _, c := range citations {
		refs = append(refs, fmt.Sprintf("[%d] %s", c.Number, c.Locator))
	}
	return "\n\n## References\n\n" + strings.Join(refs, "\n\n")
}
