package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashureev/toolagent/internal/tool"
)

// Defaults for chunking and retrieval.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 300
	DefaultTopK         = 4

	notInitialized = "document index not initialized"
	debounceDelay  = 300 * time.Millisecond
)

var indexedExt = map[string]bool{".txt": true, ".md": true, ".markdown": true}

// Config configures a Service.
type Config struct {
	Dir          string
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

// Service owns the current index of a document directory.
type Service struct {
	cfg Config

	mu  sync.RWMutex
	idx *Index
}

// NewService creates a service. Call Reload to build the first index.
func NewService(cfg Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Service{cfg: cfg}
}

// Reload reads every text or markdown file directly under the directory and
// swaps in a new index.
func (s *Service) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read documents dir: %w", err)
	}

	var chunks []Chunk
	files := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !indexedExt[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable document", "file", entry.Name(), "error", err)
			continue
		}
		parts, err := Split(string(data), s.cfg.ChunkSize, s.cfg.ChunkOverlap)
		if err != nil {
			slog.Warn("Skipping unsplittable document", "file", entry.Name(), "error", err)
			continue
		}
		for i, text := range parts {
			chunks = append(chunks, Chunk{Source: entry.Name(), Index: i, Text: text})
		}
		files++
	}

	idx := NewIndex(chunks)
	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()

	slog.Info("Document index built", "dir", s.cfg.Dir, "files", files, "chunks", idx.Len())
	return nil
}

// Search returns the top results for query. ok is false before the first
// successful Reload.
func (s *Service) Search(query string) (results []Result, ok bool) {
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()
	if idx == nil {
		return nil, false
	}
	return idx.Search(query, s.cfg.TopK), true
}

// Watch rebuilds the index when files in the directory change. It blocks
// until ctx is done.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create documents watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watch documents dir: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !indexedExt[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := s.Reload(ctx); err != nil {
				slog.Warn("Document reindex failed", "dir", s.cfg.Dir, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Documents watcher error", "error", err)
		}
	}
}

// Tools returns the search_documents spec.
func (s *Service) Tools() []tool.Spec {
	return []tool.Spec{{
		Name: "search_documents",
		Description: "Retrieve relevant passages from the stored documents. Use this for factual or " +
			"conceptual questions that the documents might answer.",
		Parameters: tool.Object(map[string]any{
			"query": tool.Prop("string", "What to look for"),
		}, "query"),
		Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
			query, err := tool.String(args, "query")
			if err != nil {
				return "", err
			}
			results, ok := s.Search(query)
			if !ok {
				return notInitialized, nil
			}
			return formatResults(query, results)
		}),
	}}
}

func formatResults(query string, results []Result) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nRelevant Context:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Text)
	}
	if results == nil {
		results = []Result{}
	}
	meta, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	fmt.Fprintf(&b, "\nMetadata: %s", meta)
	return b.String(), nil
}
