package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger is an append-only JSON-lines ledger on the local
// filesystem. Every Append is flushed and synced before returning, so a
// committed transition survives a crash.
type FileLedger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// OpenFile opens (or creates) a file ledger at the given path
func OpenFile(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &FileLedger{
		path:   path,
		file:   f,
		logger: slog.Default().With("component", "ledger"),
	}, nil
}

// Append writes one entry durably
func (l *FileLedger) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// Replay reads back every entry in append order. Each entry is written
// in a single write with a trailing newline, so a crash mid-append can
// tear only the segment after the file's final newline; that entry was
// never acknowledged durable and is dropped. Damage anywhere else is
// corruption.
func (l *FileLedger) Replay() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger for replay: %w", err)
	}

	var entries []Entry
	lines := bytes.Split(data, []byte{'\n'})
	for i, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			if i == len(lines)-1 {
				l.logger.Warn("dropping torn final ledger line",
					"path", l.path, "line", i+1)
				break
			}
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, l.path, i+1, err)
		}
		if e.TaskID == "" || e.Status == "" {
			return nil, fmt.Errorf("%w: %s line %d: missing task id or status", ErrCorrupt, l.path, i+1)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases the underlying file
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
