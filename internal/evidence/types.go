package evidence

import (
	"time"

	"github.com/Kocoro-lab/prosearch/internal/citation"
	"github.com/Kocoro-lab/prosearch/internal/util"
)

// SourceKind identifies where an evidence item was retrieved from.
type SourceKind string

const (
	KindWeb      SourceKind = "web"
	KindAcademic SourceKind = "academic"
)

// SourceHint tells the orchestrator which sources a query should be sent to.
type SourceHint string

const (
	HintWeb           SourceHint = "web"
	HintKnowledgeBase SourceHint = "knowledge_base"
	HintBoth          SourceHint = "both"
)

// SearchQuery is a planned or follow-up search. Values are never modified
// after they are issued.
type SearchQuery struct {
	Text string     `json:"text"`
	Hint SourceHint `json:"hint"`
}

// NewQuery returns a query routed to both sources.
func NewQuery(text string) SearchQuery {
	return SearchQuery{Text: text, Hint: HintBoth}
}

// WantsWeb reports whether the query should be dispatched to web search.
func (q SearchQuery) WantsWeb() bool { return q.Hint != HintKnowledgeBase }

// WantsKnowledgeBase reports whether the query should be dispatched to the
// academic knowledge base.
func (q SearchQuery) WantsKnowledgeBase() bool { return q.Hint != HintWeb }

// Key is the normalized form used to deduplicate queries.
func (q SearchQuery) Key() string { return NormalizeText(q.Text) }

// NormalizeText lowercases s and collapses runs of whitespace.
func NormalizeText(s string) string { return util.FoldKey(s) }

// Item is one retrieved unit of information.
type Item struct {
	ID          string     `json:"id"`
	Kind        SourceKind `json:"kind"`
	Query       string     `json:"query"`
	Content     string     `json:"content"`
	Title       string     `json:"title,omitempty"`
	Locator     string     `json:"locator"`
	RawPath     string     `json:"raw_path,omitempty"`
	Score       float64    `json:"score,omitempty"`
	RetrievedAt time.Time  `json:"retrieved_at"`
}

// CitationLocator returns the locator surfaced to readers. Web URLs are used
// verbatim; academic paths go through the PubMed rewrite.
func (it Item) CitationLocator() string {
	if it.Kind != KindAcademic {
		return it.Locator
	}
	if it.Locator != "" {
		return citation.Rewrite(it.Locator)
	}
	return citation.Rewrite(it.RawPath)
}
