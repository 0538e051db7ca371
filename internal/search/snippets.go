package search

import (
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
)

// SnippetOptions controls fragment extraction and highlighting (spec §4.12
// step 4). Grounded in preprocess.go's use of the uax29 word segmenter for
// boundary-preserving slicing, generalized from "truncate" to "extract
// fragments around hits".
type SnippetOptions struct {
	MaxFragments  int
	ContextWords  int
	HighlightPre  string
	HighlightPost string
	MaxLength     int
}

func DefaultSnippetOptions() SnippetOptions {
	return SnippetOptions{
		MaxFragments:  3,
		ContextWords:  8,
		HighlightPre:  "<mark>",
		HighlightPost: "</mark>",
		MaxLength:     240,
	}
}

// ExtractSnippets finds up to MaxFragments fragments around terms' hits in
// content, each widened by ContextWords on either side, with hits wrapped
// in the configured delimiters. Word-boundary and code-point aware:
// iterates the Unicode word segmenter rather than byte offsets, so
// non-ASCII text slices correctly.
func ExtractSnippets(content string, terms []string, opts SnippetOptions) []string {
	if len(terms) == 0 || content == "" {
		return nil
	}
	if opts.MaxFragments <= 0 {
		opts.MaxFragments = 3
	}
	if opts.ContextWords <= 0 {
		opts.ContextWords = 8
	}

	tokens := tokenize(content)
	if len(tokens) == 0 {
		return nil
	}

	lowerTerms := make(map[string]bool, len(terms))
	for _, t := range terms {
		lowerTerms[strings.ToLower(t)] = true
	}

	var hitIdx []int
	for i, tok := range tokens {
		if lowerTerms[strings.ToLower(tok)] {
			hitIdx = append(hitIdx, i)
		}
	}
	if len(hitIdx) == 0 {
		return nil
	}

	var fragments []string
	used := make([]bool, len(tokens))
	for _, idx := range hitIdx {
		if len(fragments) >= opts.MaxFragments {
			break
		}
		start := idx - opts.ContextWords
		if start < 0 {
			start = 0
		}
		end := idx + opts.ContextWords + 1
		if end > len(tokens) {
			end = len(tokens)
		}
		if rangeUsed(used, start, end) {
			continue
		}
		markRange(used, start, end)

		var b strings.Builder
		for i := start; i < end; i++ {
			if i > start {
				b.WriteString(tokenSeparator(tokens[i]))
			}
			if lowerTerms[strings.ToLower(tokens[i])] {
				b.WriteString(opts.HighlightPre)
				b.WriteString(tokens[i])
				b.WriteString(opts.HighlightPost)
			} else {
				b.WriteString(tokens[i])
			}
		}
		fragment := b.String()
		if opts.MaxLength > 0 {
			fragment = truncateRunes(fragment, opts.MaxLength)
		}
		fragments = append(fragments, fragment)
	}
	return fragments
}

func tokenize(s string) []string {
	seg := words.FromString(s)
	var toks []string
	for seg.Next() {
		t := seg.Value()
		if strings.TrimSpace(t) == "" {
			continue
		}
		toks = append(toks, t)
	}
	return toks
}

// tokenSeparator decides whether to insert a space before a token; word
// segmenters also emit punctuation as its own token, so this keeps
// "word," from becoming "word ,".
func tokenSeparator(next string) string {
	if next == "" {
		return " "
	}
	r := []rune(next)[0]
	switch r {
	case '.', ',', '!', '?', ':', ';', ')', '\'':
		return ""
	default:
		return " "
	}
}

func rangeUsed(used []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if used[i] {
			return true
		}
	}
	return false
}

func markRange(used []bool, start, end int) {
	for i := start; i < end; i++ {
		used[i] = true
	}
}

// truncateRunes is code-point aware (not byte-offset), so multi-byte UTF-8
// sequences are never split mid-character.
func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
