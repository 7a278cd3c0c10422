// Package audit records the step-by-step history of lifecycle workflows.
//
// Sinks report their own failures. Callers that must not be interrupted by
// a failing sink decide that themselves.
package audit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evalgo.org/gameforge/internal/events"
	"evalgo.org/gameforge/models"
)

// Sink receives audit records.
type Sink interface {
	Log(ctx context.Context, serverID string, level models.AuditLevel, message string) error
}

// Appender persists entries. storage.Store satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// StoreSink writes entries to the datastore.
type StoreSink struct {
	store Appender
	now   func() time.Time
}

func NewStoreSink(store Appender) *StoreSink {
	return &StoreSink{store: store, now: time.Now}
}

func (s *StoreSink) Log(ctx context.Context, serverID string, level models.AuditLevel, message string) error {
	entry := &models.AuditEntry{
		ServerID:  serverID,
		Level:     level,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return errors.Wrapf(err, "append audit entry for server %s", serverID)
	}
	return nil
}

// ZapSink writes entries to a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func zapLevel(level models.AuditLevel) zapcore.Level {
	switch level {
	case models.AuditError:
		return zapcore.ErrorLevel
	case models.AuditWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func (s *ZapSink) Log(_ context.Context, serverID string, level models.AuditLevel, message string) error {
	if ce := s.logger.Check(zapLevel(level), message); ce != nil {
		ce.Write(zap.String("server_id", serverID), zap.String("audit_level", string(level)))
	}
	return nil
}

// EventSink publishes entries as server events.
type EventSink struct {
	broker events.Broker
}

func NewEventSink(broker events.Broker) *EventSink {
	return &EventSink{broker: broker}
}

func (s *EventSink) Log(ctx context.Context, serverID string, level models.AuditLevel, message string) error {
	return s.broker.Publish(ctx, events.Event{
		Type:     events.TypeAudit,
		ServerID: serverID,
		Level:    level,
		Message:  message,
	})
}

// Multi fans a record out to every sink. All sinks are tried; their
// failures are combined.
type Multi []Sink

func (m Multi) Log(ctx context.Context, serverID string, level models.AuditLevel, message string) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Log(ctx, serverID, level, message); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Discard drops everything.
type Discard struct{}

func (Discard) Log(context.Context, string, models.AuditLevel, string) error { return nil }
