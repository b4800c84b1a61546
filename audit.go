package tenantdb

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb/kit/platform"
)

// AuditEventType enumerates the state transitions the platform reports.
type AuditEventType string

const (
	AuditTenantStatusChanged AuditEventType = "tenant-status-changed"
	AuditMigrationApplied    AuditEventType = "migration-applied"
	AuditMigrationRolledBack AuditEventType = "migration-rolled-back"
	AuditConflictDetected    AuditEventType = "conflict-detected"
	AuditContextBegan        AuditEventType = "context-began"
	AuditContextEnded        AuditEventType = "context-ended"
	AuditGuardRejected       AuditEventType = "guard-rejected"
	AuditProvisionFailed     AuditEventType = "provision-failed"
)

// AuditEvent is one append-only structured record of a state transition.
type AuditEvent struct {
	Type        AuditEventType         `json:"type"`
	TenantID    platform.ID            `json:"tenantID,omitempty"`
	MigrationID platform.ID            `json:"migrationID,omitempty"`
	Time        time.Time              `json:"time"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// AuditSink receives audit events. Implementations must treat the stream
// as append-only.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// NopAuditSink is an AuditSink that drops every event.
var NopAuditSink AuditSink = nopAuditSink{}

type nopAuditSink struct{}

func (nopAuditSink) Record(context.Context, AuditEvent) {}
