package formatting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
)

func TestCitedNumbers(t *testing.T) {
	assert.Equal(t, []int{1, 2, 12}, CitedNumbers("a [2] b [1] c [12] d [2] e [x] f [0]"))
	assert.Empty(t, CitedNumbers("no markers"))
}

func TestStripSourcesKeepsBody(t *testing.T) {
	text := "## Sources of error\nBody text [1].\n\n## Sources\n[1] made up\n"
	assert.Equal(t, "## Sources of error\nBody text [1].", StripSources(text))
	assert.Equal(t, "Plain body.", StripSources("  Plain body.\n"))
}

func TestFormatAnswerRebuildsReferences(t *testing.T) {
	citations := []evidence.Citation{
		{Number: 1, Locator: "https://a.example"},
		{Number: 2, Locator: "https://pubmed.ncbi.nlm.nih.gov/7/"},
	}
	text := "Aspirin helps [1][2].\n\n### References\n[1] hallucinated.example\n"

	got := FormatAnswer(text, citations)
	assert.True(t, strings.HasPrefix(got, "Aspirin helps [1][2].\n\n## References\n\n"))
	assert.NotContains(t, got, "hallucinated")
	assert.Equal(t, 1, strings.Count(got, "## References"))

	assert.Equal(t, "Nothing found.", FormatAnswer("Nothing found.", nil))
}

func TestUnknownCitations(t *testing.T) {
	citations := []evidence.Citation{{Number: 1}, {Number: 2}}
	assert.Equal(t, []int{5}, UnknownCitations("x [1] y [5] z [2]", citations))
	assert.Empty(t, UnknownCitations("x [1]", citations))
}
