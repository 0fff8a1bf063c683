package memoryindex

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// minChunkSize is the minimum size for a memory chunk; paragraphs shorter
	// than this are skipped as noise.
	minChunkSize = 12
	// maxChunkSize is the maximum size for a memory chunk; longer paragraphs
	// are truncated at a rune boundary.
	maxChunkSize = 1200
	// maxFTSTerms bounds the number of unique terms used in an FTS5 query.
	maxFTSTerms = 16
)

var (
	doubleNewlines = regexp.MustCompile(`\n\s*\n`)
	wordPattern    = regexp.MustCompile(`[A-Za-z0-9_]+`)
	htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)
)

// hashText returns the hex-encoded SHA-256 digest of s, used as the
// dedup key alongside source_key in memory_entries.
func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// splitIntoChunks splits text on blank lines into paragraph-sized chunks,
// dropping anything under minChunkSize and truncating anything over
// maxChunkSize at a rune boundary.
func splitIntoChunks(text string) []string {
	parts := doubleNewlines.Split(strings.TrimSpace(text), -1)
	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if len(p) < minChunkSize {
			continue
		}
		chunks = append(chunks, truncateRunes(p, maxChunkSize))
	}
	return chunks
}

// truncateRunes truncates s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := n
	for end > 0 && !isRuneStart(s[end]) {
		end--
	}
	return s[:end]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// stripHTMLTags returns the plain-text content of html with tags removed.
// The corpus carries no HTML-parsing library, so this is a deliberately
// simple regex strip rather than a full DOM walk; good enough for the
// knowledge-file ingestion path, which only needs body text for chunking.
func stripHTMLTags(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

// ftsQuery builds a quoted OR-query from the unique lowercase words in text,
// capped at maxFTSTerms. Quoting each term prevents FTS5 operator injection
// (e.g. a user searching for "NOT important" must not trigger the NOT operator).
func ftsQuery(text string) string {
	terms := wordPattern.FindAllString(text, -1)
	if len(terms) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(terms))
	unique := make([]string, 0, maxFTSTerms)
	for _, term := range terms {
		low := strings.ToLower(term)
		if _, ok := seen[low]; ok {
			continue
		}
		seen[low] = struct{}{}
		unique = append(unique, low)
		if len(unique) >= maxFTSTerms {
			break
		}
	}

	quoted := make([]string, len(unique))
	for i, t := range unique {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
