package embedding

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

// PreprocessOptions controls the shared text-normalization pipeline both
// providers run inputs through before embedding (spec §4.5's "text
// preprocessor"). No direct teacher file did this generically (openai.go
// embedded raw strings); grounded on the general shape of that request
// builder plus the uax29 word segmenter for boundary-preserving truncation.
type PreprocessOptions struct {
	StripMarkup     bool
	Lowercase       bool
	StripDiacritics bool
	MaxWords        int
	TruncateMode    TruncateMode
}

type TruncateMode string

const (
	TruncateHead   TruncateMode = "head"
	TruncateTail   TruncateMode = "tail"
	TruncateMiddle TruncateMode = "middle"
)

func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		StripMarkup:  true,
		MaxWords:     256,
		TruncateMode: TruncateTail,
	}
}

var (
	htmlTagPattern = regexp.MustCompile(`<[^>]+>`)
	mdEmphasis     = regexp.MustCompile(`[*_` + "`" + `#>]+`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// Preprocess normalizes text for embedding: strips HTML/markdown, collapses
// whitespace, optionally lowercases/strips diacritics, then truncates to
// MaxWords preserving word boundaries via a Unicode word segmenter.
func Preprocess(text string, opts PreprocessOptions) string {
	if opts.StripMarkup {
		text = htmlTagPattern.ReplaceAllString(text, " ")
		text = mdEmphasis.ReplaceAllString(text, "")
	}
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if opts.Lowercase {
		text = strings.ToLower(text)
	}
	if opts.StripDiacritics {
		text = stripDiacritics(text)
	}
	if opts.MaxWords > 0 {
		text = truncateWords(text, opts.MaxWords, opts.TruncateMode)
	}
	return text
}

// truncateWords keeps at most maxWords word tokens, by head/tail/middle
// strategy, joining the surviving segments back into one string.
func truncateWords(text string, maxWords int, mode TruncateMode) string {
	seg := words.FromString(text)
	var tokens []string
	for seg.Next() {
		t := seg.Value()
		if strings.TrimSpace(t) == "" {
			continue
		}
		tokens = append(tokens, t)
	}
	if len(tokens) <= maxWords {
		return text
	}

	switch mode {
	case TruncateHead:
		return strings.Join(tokens[len(tokens)-maxWords:], " ")
	case TruncateMiddle:
		half := maxWords / 2
		head := tokens[:half]
		tail := tokens[len(tokens)-(maxWords-half):]
		return strings.Join(head, " ") + " … " + strings.Join(tail, " ")
	default: // TruncateTail
		return strings.Join(tokens[:maxWords], " ")
	}
}

// stripDiacritics decomposes to NFD and drops every nonspacing mark, so
// combining marks are removed in any script (Latin "é" → "e", but also
// Cyrillic "й" → "и"), then recomposes to NFC (the engine never
// lowercases/folds non-ASCII for LIKE matching per spec §4.11, but embedding
// preprocessing is allowed to normalize more aggressively since it only
// affects the vector, not the stored text).
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}
