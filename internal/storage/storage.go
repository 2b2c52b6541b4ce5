package storage

import (
	"context"
	"time"

	"github.com/clinicq/queuetrack/internal/models"
)

// SchemaVersion guards the persisted record against format drift. Records
// written under a different version are treated as absent.
const SchemaVersion = 1

// Record is the single blob that survives an app restart. Loading state and
// errors are never persisted.
type Record struct {
	SchemaVersion int                `json:"schemaVersion"`
	CurrentQueue  *models.QueueEntry `json:"currentQueue,omitempty"`
	IsInQueue     bool               `json:"isInQueue"`
	LastUpdate    time.Time          `json:"lastUpdate"`
}

// Storage persists the active queue entry. Load returns (nil, nil) when no
// usable record exists.
type Storage interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error
}
