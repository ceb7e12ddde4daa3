package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default chunking parameters. Small chunks of two or three sentences give
// the retriever specific answers that are short enough to speak.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// DefaultSeparators are tried in order: paragraphs, lines, sentences, words,
// and finally single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter splits text recursively: it splits on the first separator present
// in the text, merges the pieces back into chunks of at most Size characters
// with Overlap characters carried between neighbours, and recurses with the
// remaining separators into any piece that is still too large.
//
// Sizes are measured in runes.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter returns a Splitter with the given size and overlap and the
// [DefaultSeparators].
func NewSplitter(size, overlap int) (Splitter, error) {
	if size <= 0 {
		return Splitter{}, fmt.Errorf("rag: chunk size %d must be positive", size)
	}
	if overlap < 0 || overlap >= size {
		return Splitter{}, fmt.Errorf("rag: chunk overlap %d must be in [0, %d)", overlap, size)
	}
	return Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}, nil
}

// Split returns the chunks of text. Chunks are trimmed; empty chunks are
// dropped.
func (s Splitter) Split(text string) []string {
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

func (s Splitter) split(text string, seps []string) []string {
	sep, rest := seps[len(seps)-1], []string(nil)
	for i, c := range seps {
		if c == "" || strings.Contains(text, c) {
			sep, rest = c, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		pieces = make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		pieces = strings.Split(text, sep)
	}

	var out, fit []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) <= s.Size {
			fit = append(fit, p)
			continue
		}
		if len(fit) > 0 {
			out = append(out, s.merge(fit, sep)...)
			fit = nil
		}
		if len(rest) == 0 {
			out = appendChunk(out, p)
		} else {
			out = append(out, s.split(p, rest)...)
		}
	}
	if len(fit) > 0 {
		out = append(out, s.merge(fit, sep)...)
	}
	return out
}

// merge greedily joins pieces with sep into chunks of at most Size runes,
// starting each new chunk with the trailing pieces of the previous one that
// fit within Overlap.
func (s Splitter) merge(pieces []string, sep string) []string {
	sepLen := utf8.RuneCountInString(sep)
	joinCost := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var (
		out   []string
		cur   []string
		total int
	)
	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if len(cur) > 0 && total+n+joinCost(len(cur)) > s.Size {
			out = appendChunk(out, strings.Join(cur, sep))
			for total > s.Overlap || (total > 0 && total+n+joinCost(len(cur)) > s.Size) {
				total -= utf8.RuneCountInString(cur[0]) + joinCost(len(cur)-1)
				cur = cur[1:]
			}
		}
		total += n + joinCost(len(cur))
		cur = append(cur, p)
	}
	if len(cur) > 0 {
		out = appendChunk(out, strings.Join(cur, sep))
	}
	return out
}

func appendChunk(out []string, chunk string) []string {
	if c := strings.TrimSpace(chunk); c != "" {
		return append(out, c)
	}
	return out
}
