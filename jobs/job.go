// Package jobs provides the durable work queue and the worker pool that
// execute provisioning and migration runs asynchronously. Delivery is
// at-least-once; jobs for one tenant are serialized by the per-tenant
// lock while jobs for different tenants run in parallel.
package jobs

import (
	"context"
	"time"

	"github.com/tenantdb/tenantdb/kit/platform"
)

// Kind discriminates the work a job carries.
type Kind string

const (
	// KindProvision creates and populates a tenant database.
	KindProvision Kind = "provision"
	// KindMigrate applies one template migration to a tenant.
	KindMigrate Kind = "migrate"
)

// State tracks a job through the queue.
type State string

const (
	// StateQueued means the job is waiting to be leased.
	StateQueued State = "queued"
	// StateLeased means a worker holds the job until its lease expires.
	StateLeased State = "leased"
)

// Job is one unit of asynchronous work, keyed by tenant id.
type Job struct {
	ID       platform.ID `json:"id"`
	Kind     Kind        `json:"kind"`
	TenantID platform.ID `json:"tenantID"`

	// TemplateID and OptionalModules are set for provision jobs.
	TemplateID      platform.ID `json:"templateID,omitempty"`
	OptionalModules []string    `json:"optionalModules,omitempty"`

	// MigrationID is set for migrate jobs.
	MigrationID platform.ID `json:"migrationID,omitempty"`

	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// NotBefore delays visibility; requeued jobs carry a backoff here.
	NotBefore time.Time `json:"notBefore,omitempty"`
	// LeaseExpiresAt bounds how long a worker may hold the job before it
	// becomes visible again.
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
}

// Queue is a durable at-least-once job queue with visibility timeouts.
type Queue interface {
	// Enqueue persists the job in queued state and sets j.ID.
	Enqueue(ctx context.Context, j *Job) error

	// Dequeue leases the oldest visible job. It returns nil when no job
	// is visible.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete removes a finished job.
	Complete(ctx context.Context, id platform.ID) error

	// Requeue returns a leased job to queued state, hidden for delay.
	Requeue(ctx context.Context, id platform.ID, delay time.Duration) error

	// Cancel removes a job that has not been leased yet. Leased jobs run
	// to completion and cannot be cancelled.
	Cancel(ctx context.Context, id platform.ID) error
}
