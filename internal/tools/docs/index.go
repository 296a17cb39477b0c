package docs

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Result is a scored chunk.
type Result struct {
	Chunk
	Score float64 `json:"score"`
}

// Index is an immutable BM25 index over chunks.
type Index struct {
	chunks []Chunk
	tf     []map[string]int
	lens   []int
	df     map[string]int
	avgLen float64
}

// NewIndex builds an index over chunks.
func NewIndex(chunks []Chunk) *Index {
	idx := &Index{
		chunks: chunks,
		tf:     make([]map[string]int, len(chunks)),
		lens:   make([]int, len(chunks)),
		df:     make(map[string]int),
	}
	total := 0
	for i, c := range chunks {
		terms := tokenize(c.Text)
		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		for t := range freq {
			idx.df[t]++
		}
		idx.tf[i] = freq
		idx.lens[i] = len(terms)
		total += len(terms)
	}
	if len(chunks) > 0 {
		idx.avgLen = float64(total) / float64(len(chunks))
	}
	return idx
}

// Len returns the number of indexed chunks.
func (idx *Index) Len() int {
	return len(idx.chunks)
}

// Search returns up to k chunks with a positive score, best first.
func (idx *Index) Search(query string, k int) []Result {
	terms := tokenize(query)
	if len(terms) == 0 || len(idx.chunks) == 0 || k <= 0 {
		return nil
	}

	n := float64(len(idx.chunks))
	var results []Result
	for i, freq := range idx.tf {
		score := 0.0
		for _, t := range terms {
			f := float64(freq[t])
			if f == 0 {
				continue
			}
			df := float64(idx.df[t])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - bm25B + bm25B*float64(idx.lens[i])/idx.avgLen
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*norm)
		}
		if score > 0 {
			results = append(results, Result{Chunk: idx.chunks[i], Score: score})
		}
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
