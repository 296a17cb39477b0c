// Package conversationlog writes conversation events as NDJSON, one file per
// thread, off the request path.
package conversationlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/ashureev/toolagent/internal/conversation"
)

const defaultQueueSize = 256

// Config controls the conversation log.
type Config struct {
	Enabled bool
	Dir     string
	// GlobalFile, when set, receives every event in addition to the
	// per-thread files. A bare file name is placed inside Dir.
	GlobalFile string
	QueueSize  int
}

// Event is one NDJSON line.
type Event struct {
	Timestamp  time.Time `json:"ts"`
	ThreadID   string    `json:"thread_id"`
	EventType  string    `json:"event_type"`
	Name       string    `json:"name,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	ContentRaw string    `json:"content_raw,omitempty"`
	Content    string    `json:"content,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Logger queues events and writes them from a single goroutine. Events are
// dropped with a warning when the queue is full or the logger is closed.
type Logger struct {
	cfg   Config
	log   *slog.Logger
	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool

	files  map[string]*os.File
	global *os.File
}

// New creates a logger. A disabled config yields a Logger whose methods are
// no-ops.
func New(cfg Config, log *slog.Logger) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{cfg: cfg, log: log}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalFile != "" {
		path := cfg.GlobalFile
		if filepath.Base(path) == path {
			path = filepath.Join(cfg.Dir, path)
		} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	l.queue = make(chan Event, size)
	l.done = make(chan struct{})
	l.files = make(map[string]*os.File)
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking.
func (l *Logger) Log(ev Event) {
	if l == nil || l.queue == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.log.Debug("Conversation log closed, dropping event", "thread_id", ev.ThreadID, "event_type", ev.EventType)
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.log.Warn("Conversation log queue full, dropping event", "thread_id", ev.ThreadID, "event_type", ev.EventType)
	}
}

// OnEvent records an engine event, making Logger a conversation.Observer.
func (l *Logger) OnEvent(ev conversation.Event) {
	l.Log(Event{
		Timestamp:  ev.Time,
		ThreadID:   ev.ThreadID,
		EventType:  string(ev.Type),
		Name:       ev.Name,
		CallID:     ev.CallID,
		ContentRaw: ev.Content,
		Data:       ev.Data,
	})
}

// Close flushes queued events and closes all files.
func (l *Logger) Close() error {
	if l == nil || l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			l.log.Warn("Failed to encode conversation event", "thread_id", ev.ThreadID, "error", err)
			continue
		}
		line = append(line, '\n')

		if f, err := l.threadFile(ev.ThreadID); err != nil {
			l.log.Warn("Failed to open conversation log", "thread_id", ev.ThreadID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.log.Warn("Failed to write conversation log", "thread_id", ev.ThreadID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.log.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *Logger) threadFile(threadID string) (*os.File, error) {
	name := sanitizeName(threadID)
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeName(id string) string {
	if id == "" {
		return "unknown"
	}
	name := unsafeName.ReplaceAllString(id, "_")
	if strings.Trim(name, ".") == "" {
		return "unknown"
	}
	return name
}

// cleanForReadability strips terminal escape sequences and carriage returns.
func cleanForReadability(s string) string {
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(s)
}
