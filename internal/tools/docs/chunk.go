// Package docs implements keyword retrieval over a directory of text
// documents and exposes it as a search tool.
package docs

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunk is one overlapping window of a source document.
type Chunk struct {
	Source string `json:"source"`
	Index  int    `json:"chunk"`
	Text   string `json:"-"`
}

// Split breaks text into chunks of at most size runes where consecutive
// chunks share up to overlap runes. Paragraph, line and word boundaries are
// preferred, in that order. Blank chunks are dropped.
func Split(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split document: %w", err)
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
