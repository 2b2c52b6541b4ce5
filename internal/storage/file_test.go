package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicq/queuetrack/internal/models"
	"github.com/clinicq/queuetrack/pkg/logger"
)

func newFileStorage(t *testing.T) Storage {
	t.Helper()
	st, err := NewFileStorage(filepath.Join(t.TempDir(), "state.json"), logger.InitializeTestZapLogger())
	require.NoError(t, err)
	return st
}

func TestFileStorage_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	st := newFileStorage(t)

	rec := &Record{
		CurrentQueue: &models.QueueEntry{
			ID:       "q1",
			Position: 4,
			Status:   models.StatusWaiting,
			JoinedAt: time.Now().Truncate(time.Second),
		},
		IsInQueue:  true,
		LastUpdate: time.Now().Truncate(time.Second),
	}
	require.NoError(t, st.Save(ctx, rec))

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, "q1", loaded.CurrentQueue.ID)
	assert.Equal(t, 4, loaded.CurrentQueue.Position)
	assert.True(t, loaded.IsInQueue)
}

func TestFileStorage_LoadMissingFile(t *testing.T) {
	st := newFileStorage(t)

	rec, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStorage_SchemaVersionMismatchTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := NewFileStorage(path, logger.InitializeTestZapLogger())
	require.NoError(t, err)

	data, err := json.Marshal(Record{SchemaVersion: SchemaVersion + 1, IsInQueue: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	rec, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStorage_CorruptRecordTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := NewFileStorage(path, logger.InitializeTestZapLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	rec, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStorage_Clear(t *testing.T) {
	ctx := context.Background()
	st := newFileStorage(t)

	require.NoError(t, st.Save(ctx, &Record{IsInQueue: true}))
	require.NoError(t, st.Clear(ctx))

	rec, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// clearing an already-empty store is fine
	require.NoError(t, st.Clear(ctx))
}
