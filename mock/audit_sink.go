package mock

import (
	"context"
	"sync"

	"github.com/tenantdb/tenantdb"
)

// AuditSink is a mock implementation of tenantdb.AuditSink that records
// every event it receives.
type AuditSink struct {
	mu     sync.Mutex
	events []tenantdb.AuditEvent

	RecordFn func(ctx context.Context, ev tenantdb.AuditEvent)
}

var _ tenantdb.AuditSink = (*AuditSink)(nil)

// NewAuditSink returns a recording audit sink.
func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

// Record stores the event and invokes RecordFn when set.
func (s *AuditSink) Record(ctx context.Context, ev tenantdb.AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.RecordFn != nil {
		s.RecordFn(ctx, ev)
	}
}

// Events returns a copy of the recorded events in arrival order.
func (s *AuditSink) Events() []tenantdb.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tenantdb.AuditEvent(nil), s.events...)
}

// EventsOfType returns recorded events of one type in arrival order.
func (s *AuditSink) EventsOfType(t tenantdb.AuditEventType) []tenantdb.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tenantdb.AuditEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
