package docs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSplit(t *testing.T, text string, size, overlap int) []string {
	t.Helper()
	chunks, err := Split(text, size, overlap)
	require.NoError(t, err)
	return chunks
}

func TestSplitRespectsSizeAndOverlap(t *testing.T) {
	words := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		words = append(words, "word"+string(rune('a'+i%26)))
	}
	text := strings.Join(words, " ")

	chunks := mustSplit(t, text, 1000, 300)
	require.Greater(t, len(chunks), 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 1000)
	}

	// consecutive chunks share text
	tail := chunks[0][len(chunks[0])-50:]
	assert.Contains(t, chunks[1], strings.TrimSpace(tail))

	// every word survives somewhere
	joined := strings.Join(chunks, " ")
	assert.Contains(t, joined, words[len(words)-1])
}

func TestSplitPrefersParagraphs(t *testing.T) {
	first := strings.Repeat("alpha ", 20)
	second := strings.Repeat("beta ", 20)
	chunks := mustSplit(t, first+"\n\n"+second, 150, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.TrimSpace(first), chunks[0])
	assert.Equal(t, strings.TrimSpace(second), chunks[1])
}

func TestSplitEdgeCases(t *testing.T) {
	assert.Empty(t, mustSplit(t, "", 10, 2))
	assert.Empty(t, mustSplit(t, "   ", 10, 2))
	assert.Equal(t, []string{"short"}, mustSplit(t, "short", 10, 2))
	assert.Empty(t, mustSplit(t, "anything", 0, 0))

	// a long word without spaces still makes progress
	chunks := mustSplit(t, strings.Repeat("x", 25), 10, 9)
	require.NotEmpty(t, chunks)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0])

	// runes are never split
	chunks = mustSplit(t, strings.Repeat("é", 15), 10, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, 5, utf8.RuneCountInString(chunks[1]))
}

func TestIndexRanksRelevantChunks(t *testing.T) {
	idx := NewIndex([]Chunk{
		{Source: "a.md", Text: "Gradient descent minimizes the loss function step by step."},
		{Source: "b.md", Text: "Decision trees split data on feature thresholds."},
		{Source: "c.md", Text: "Stochastic gradient descent samples mini batches for each gradient step."},
	})

	results := idx.Search("gradient descent", 4)
	require.Len(t, results, 2)
	assert.Equal(t, "c.md", results[0].Source)
	assert.Equal(t, "a.md", results[1].Source)

	assert.Empty(t, idx.Search("quantum chromodynamics", 4))
	assert.Len(t, idx.Search("gradient trees", 1), 1)
}

func writeDoc(t *testing.T, dir, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
}

func TestServiceSearchTool(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Config{Dir: dir})
	spec := svc.Tools()[0]

	out, err := spec.Handler.Call(context.Background(), map[string]any{"query": "svm"})
	require.NoError(t, err)
	assert.Equal(t, "document index not initialized", out)

	writeDoc(t, dir, "ml.md", "Support vector machines find a maximum margin hyperplane.")
	writeDoc(t, dir, "notes.txt", "Random forests average many decision trees.")
	writeDoc(t, dir, "image.png", "not text")
	require.NoError(t, svc.Reload(context.Background()))

	out, err = spec.Handler.Call(context.Background(), map[string]any{"query": "margin hyperplane"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Query: margin hyperplane\n\nRelevant Context:\n1. Support vector machines"))
	assert.Contains(t, out, "\n\nMetadata: [{\"source\":\"ml.md\",\"chunk\":0,")

	out, err = spec.Handler.Call(context.Background(), map[string]any{"query": "zebra"})
	require.NoError(t, err)
	assert.Equal(t, "Query: zebra\n\nRelevant Context:\n\nMetadata: []", out)
}

func TestServiceWatchReindexes(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Config{Dir: dir})
	require.NoError(t, svc.Reload(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeDoc(t, dir, "new.md", "Transformers rely on self attention.")

	assert.Eventually(t, func() bool {
		results, ok := svc.Search("attention")
		return ok && len(results) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
