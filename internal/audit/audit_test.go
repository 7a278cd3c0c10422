package audit

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/internal/storage/memstore"
	"evalgo.org/gameforge/models"
)

type failingSink struct{ err error }

func (f failingSink) Log(context.Context, string, models.AuditLevel, string) error { return f.err }

func TestStoreSinkPersists(t *testing.T) {
	store := memstore.New()
	sink := NewStoreSink(store)
	ctx := context.Background()

	require.NoError(t, sink.Log(ctx, "srv-1", models.AuditInfo, "Creating container"))
	require.NoError(t, sink.Log(ctx, "srv-1", models.AuditSuccess, "Server online"))

	entries, err := store.ListAudit(ctx, "srv-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Server online", entries[0].Message)
	assert.Equal(t, models.AuditSuccess, entries[0].Level)
}

func TestStoreSinkReportsFailure(t *testing.T) {
	store := memstore.New()
	store.FailAudit = errors.New("disk full")
	err := NewStoreSink(store).Log(context.Background(), "srv-1", models.AuditInfo, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))
	ctx := context.Background()

	require.NoError(t, sink.Log(ctx, "srv-1", models.AuditError, "boom"))
	require.NoError(t, sink.Log(ctx, "srv-1", models.AuditWarning, "hmm"))
	require.NoError(t, sink.Log(ctx, "srv-1", models.AuditSuccess, "yay"))

	all := logs.All()
	require.Len(t, all, 3)
	assert.Equal(t, zapcore.ErrorLevel, all[0].Level)
	assert.Equal(t, zapcore.WarnLevel, all[1].Level)
	assert.Equal(t, zapcore.InfoLevel, all[2].Level)
	assert.Equal(t, "srv-1", all[0].ContextMap()["server_id"])
}

func TestEventSinkPublishes(t *testing.T) {
	broker := events.NewMemory(nil)
	ch, cancel, err := broker.Subscribe(context.Background(), "srv-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, NewEventSink(broker).Log(context.Background(), "srv-1", models.AuditInfo, "Starting"))

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeAudit, ev.Type)
		assert.Equal(t, "Starting", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestMultiTriesEverySink(t *testing.T) {
	store := memstore.New()
	m := Multi{
		failingSink{err: errors.New("first down")},
		NewStoreSink(store),
		failingSink{err: errors.New("second down")},
	}

	err := m.Log(context.Background(), "srv-1", models.AuditInfo, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Contains(t, err.Error(), "second down")

	entries, err := store.ListAudit(context.Background(), "srv-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "healthy sinks still receive the record")
}

func TestMultiNoErrors(t *testing.T) {
	assert.NoError(t, Multi{Discard{}, Discard{}}.Log(context.Background(), "s", models.AuditInfo, "m"))
}
