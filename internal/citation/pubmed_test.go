package citation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPubMedID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"auto export", "/root/autodl-fs/asd_firsts/extracted_markdown_files/markdown_batch_1749466568_22284798_auto_22284798.md", "22284798"},
		{"trailing id", "/data/papers/review_31415926.md", "31415926"},
		{"windows separators", `C:\kb\batch_1_777_auto_777.md`, "777"},
		{"no id", "/data/papers/notes.md", ""},
		{"wrong extension", "/data/papers/review_31415926.pdf", ""},
		{"id in directory only", "/data/batch_123/notes.md", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPubMedID(tt.raw))
		})
	}
}

func TestRewrite(t *testing.T) {
	assert.Equal(t,
		"https://pubmed.ncbi.nlm.nih.gov/22284798/",
		Rewrite("/kb/markdown_batch_1749466568_22284798_auto_22284798.md"))
	assert.Equal(t, "/kb/notes.md", Rewrite("/kb/notes.md"))
	assert.Equal(t, "https://example.com/a", Rewrite("https://example.com/a"))

	canonical := "https://pubmed.ncbi.nlm.nih.gov/22284798/"
	assert.Equal(t, canonical, Rewrite(canonical))
	assert.True(t, IsCanonical(canonical))
	assert.False(t, IsCanonical("/kb/notes.md"))
}

func FuzzRewriteIdempotent(f *testing.F) {
	f.Add("/kb/markdown_batch_1749466568_22284798_auto_22284798.md")
	f.Add("/kb/review_1.md")
	f.Add("https://pubmed.ncbi.nlm.nih.gov/22284798/")
	f.Add("")
	f.Add("_1_auto_2.md")
	f.Fuzz(func(t *testing.T, raw string) {
		once := Rewrite(raw)
		if twice := Rewrite(once); twice != once {
			t.Fatalf("rewrite not idempotent: %q -> %q -> %q", raw, once, twice)
		}
		if ExtractPubMedID(raw) == "" && once != raw {
			t.Fatalf("no-match input changed: %q -> %q", raw, once)
		}
	})
}
