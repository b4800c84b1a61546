// Package audit provides the zap-backed audit sink. Every tenant state
// transition, migration outcome, and guard decision lands here as one
// structured append-only record.
package audit

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb"
	"go.uber.org/zap"
)

// Logger records audit events through a zap logger.
type Logger struct {
	log *zap.Logger
	now func() time.Time
}

var _ tenantdb.AuditSink = (*Logger)(nil)

// NewLogger constructs an audit sink writing to log.
func NewLogger(log *zap.Logger) *Logger {
	return &Logger{
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Record writes the event. Events without a timestamp are stamped at
// record time.
func (l *Logger) Record(ctx context.Context, ev tenantdb.AuditEvent) {
	if ev.Time.IsZero() {
		ev.Time = l.now()
	}

	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Time("event_time", ev.Time),
	}
	if ev.TenantID.Valid() {
		fields = append(fields, zap.Stringer("tenant_id", ev.TenantID))
	}
	if ev.MigrationID.Valid() {
		fields = append(fields, zap.Stringer("migration_id", ev.MigrationID))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("detail", ev.Fields))
	}

	l.log.Info("Audit", fields...)
}
