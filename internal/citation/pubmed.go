// Package citation converts raw knowledge-base document paths into public
// citation URLs.
package citation

import (
	"path"
	"regexp"
	"strings"
)

// PubMedBaseURL is the canonical article prefix used for rewritten paths.
const PubMedBaseURL = "https://pubmed.ncbi.nlm.nih.gov/"

var (
	// markdown_batch_1749466568_22284798_auto_22284798.md
	autoExportPattern = regexp.MustCompile(`_(\d+)_auto_\d+\.md$`)
	// fallback: any trailing numeric token before the extension
	trailingIDPattern = regexp.MustCompile(`_(\d+)\.md$`)
)

// ExtractPubMedID returns the PubMed identifier embedded in a knowledge-base
// file path, or "" when the file name does not follow a known export layout.
func ExtractPubMedID(raw string) string {
	if raw == "" {
		return ""
	}
	name := path.Base(strings.ReplaceAll(raw, `\`, "/"))
	if m := autoExportPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := trailingIDPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return ""
}

// Rewrite maps a raw document path to its PubMed article URL. Paths without a
// recognizable identifier are returned unchanged, which also makes the
// rewrite idempotent: canonical URLs end in "/" and never match.
func Rewrite(raw string) string {
	id := ExtractPubMedID(raw)
	if id == "" {
		return raw
	}
	return PubMedBaseURL + id + "/"
}

// IsCanonical reports whether locator already points at a PubMed article.
func IsCanonical(locator string) bool {
	return strings.HasPrefix(locator, PubMedBaseURL)
}
