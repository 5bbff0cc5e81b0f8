package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileStore appends console entries and commands as JSON lines to a local
// file. Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on first write if it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Log implements [Sink]. Write failures are logged.
func (fs *FileStore) Log(ctx context.Context, e Entry) {
	if err := fs.append(e); err != nil {
		slog.WarnContext(ctx, "console: file sink", "path", fs.path, "err", err)
	}
}

// Command implements [CommandSink].
func (fs *FileStore) Command(_ context.Context, c Command) error {
	return fs.append(c)
}

func (fs *FileStore) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("console: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("console: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	return nil
}

var (
	_ Sink        = (*FileStore)(nil)
	_ CommandSink = (*FileStore)(nil)
)
