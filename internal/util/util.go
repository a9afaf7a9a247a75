package util

import (
	"strings"
)

// FoldKey is the comparison key used by ContainsFold and DedupeFold:
// lowercased with runs of whitespace collapsed.
func FoldKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ContainsFold reports whether slice holds item, ignoring case and
// whitespace differences.
func ContainsFold(slice []string, item string) bool {
	key := FoldKey(item)
	for _, s := range slice {
		if FoldKey(s) == key {
			return true
		}
	}
	return false
}

// DedupeFold trims every entry, drops empties and removes case-insensitive
// duplicates while keeping the first spelling seen.
func DedupeFold(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		key := FoldKey(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// StripCodeFence removes a surrounding ``` or ```json fence from model output.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// TruncateString truncates s to maxLen runes and appends "..." if truncated.
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}
