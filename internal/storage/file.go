package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clinicq/queuetrack/pkg/logger"
)

// fileStorage keeps the record as a JSON file under an app-scoped path.
// Writes go through a temp file plus rename so a crash mid-write cannot
// leave a truncated record.
type fileStorage struct {
	path string
	mu   sync.Mutex
	l    logger.Logger
}

func NewFileStorage(path string, l logger.Logger) (Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &fileStorage{path: path, l: l}, nil
}

func (s *fileStorage) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SchemaVersion = SchemaVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal queue record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write queue record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace queue record: %w", err)
	}

	return nil
}

func (s *fileStorage) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.l.Warnf(ctx, "discarding corrupt queue record: %v", err)
		return nil, nil
	}
	if rec.SchemaVersion != SchemaVersion {
		s.l.Warnf(ctx, "discarding queue record with schema version %d", rec.SchemaVersion)
		return nil, nil
	}

	return &rec, nil
}

func (s *fileStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear queue record: %w", err)
	}
	return nil
}
