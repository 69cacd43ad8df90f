// Package session persists per-session gateway conversation logs. The
// append-only JSONL file is the durable source of truth a gateway replays to
// reconstruct multi-turn context; the redis cache in cache.go is an optional
// read-through layer on top of it, never the sole store.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one record in a session log.
type Entry struct {
	EntryID   string    `json:"entry_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Role      string    `json:"role"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// metadata is the per-session sidecar file tracking log shape.
type metadata struct {
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastEntryAt time.Time `json:"last_entry_at"`
	Entries     int       `json:"entries"`
}

// Log stores and replays session entries.
type Log interface {
	// Append adds an entry to the session, assigning EntryID and CreatedAt.
	Append(ctx context.Context, sessionID string, entry Entry) (Entry, error)

	// Replay returns all entries of the session in append order.
	Replay(ctx context.Context, sessionID string) ([]Entry, error)
}

// FileLog is the durable Log implementation: one JSONL file plus one
// metadata file per session under a base directory.
type FileLog struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileLog creates a FileLog rooted at dir, creating it if needed.
func NewFileLog(dir string, logger *zap.Logger) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLog{dir: dir, logger: logger.With(zap.String("component", "session_log"))}, nil
}

// Append implements Log.Append.
func (l *FileLog) Append(ctx context.Context, sessionID string, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.EntryID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal session entry: %w", err)
	}

	f, err := os.OpenFile(l.logPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append session entry: %w", err)
	}

	if err := l.bumpMetadata(sessionID, entry.CreatedAt); err != nil {
		// The log line is durable; a stale sidecar only degrades listing.
		l.logger.Warn("failed to update session metadata",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	return entry, nil
}

// Replay implements Log.Replay. A session that was never written replays
// as empty, not as an error.
func (l *FileLog) Replay(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			l.logger.Warn("skipping corrupt session entry",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return entries, nil
}

func (l *FileLog) bumpMetadata(sessionID string, at time.Time) error {
	path := l.metaPath(sessionID)
	meta := metadata{SessionID: sessionID, CreatedAt: at}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	meta.LastEntryAt = at
	meta.Entries++

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (l *FileLog) logPath(sessionID string) string {
	return filepath.Join(l.dir, sanitize(sessionID)+".jsonl")
}

func (l *FileLog) metaPath(sessionID string) string {
	return filepath.Join(l.dir, sanitize(sessionID)+".meta.json")
}

// sanitize keeps session ids usable as file names.
func sanitize(sessionID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	s := r.Replace(sessionID)
	if s == "" {
		s = "default"
	}
	return s
}
