package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tenantdb/tenantdb/kit/platform"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
	"github.com/tenantdb/tenantdb/kv"
)

var jobBucket = []byte("jobsv1")

// DefaultVisibility is how long a leased job stays invisible before it is
// considered abandoned and redelivered.
const DefaultVisibility = 5 * time.Minute

var (
	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "job not found",
	}

	// ErrJobRunning is returned when cancelling a job a worker already
	// leased.
	ErrJobRunning = &errors.Error{
		Code: errors.EConflict,
		Msg:  "job is already running and cannot be cancelled",
	}
)

func corruptJobError(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Msg:  "job record is corrupt",
		Err:  err,
	}
}

// KVQueue is a Queue persisted in the registry kv store. Snowflake job ids
// are time ordered, so a forward scan of the bucket visits jobs oldest
// first.
type KVQueue struct {
	kvStore    kv.Store
	idGen      platform.IDGenerator
	clock      clock.Clock
	visibility time.Duration
}

// KVQueueOption configures a KVQueue.
type KVQueueOption func(*KVQueue)

// WithQueueClock substitutes the wall clock; used by tests.
func WithQueueClock(c clock.Clock) KVQueueOption {
	return func(q *KVQueue) { q.clock = c }
}

// WithVisibility sets the lease duration for dequeued jobs.
func WithVisibility(d time.Duration) KVQueueOption {
	return func(q *KVQueue) { q.visibility = d }
}

// NewKVQueue constructs a durable queue over the registry kv store.
func NewKVQueue(kvStore kv.Store, idGen platform.IDGenerator, opts ...KVQueueOption) *KVQueue {
	q := &KVQueue{
		kvStore:    kvStore,
		idGen:      idGen,
		clock:      clock.New(),
		visibility: DefaultVisibility,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ Queue = (*KVQueue)(nil)

// Enqueue persists the job in queued state and sets j.ID.
func (q *KVQueue) Enqueue(ctx context.Context, j *Job) error {
	j.ID = q.idGen.ID()
	j.State = StateQueued
	j.Attempts = 0
	j.EnqueuedAt = q.clock.Now().UTC()
	return q.kvStore.Update(ctx, func(tx kv.Tx) error {
		return q.putJob(tx, j)
	})
}

// Dequeue leases the oldest visible job and returns it, or nil when every
// job is leased, delayed, or the queue is empty.
func (q *KVQueue) Dequeue(ctx context.Context) (*Job, error) {
	var leased *Job
	err := q.kvStore.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(jobBucket)
		if err != nil {
			return err
		}
		cur, err := b.ForwardCursor(nil)
		if err != nil {
			return err
		}
		defer cur.Close()

		now := q.clock.Now().UTC()
		for k, v := cur.Next(); k != nil; k, v = cur.Next() {
			j := &Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return corruptJobError(err)
			}
			if !visible(j, now) {
				continue
			}
			j.State = StateLeased
			j.Attempts++
			j.LeaseExpiresAt = now.Add(q.visibility)
			if err := q.putJob(tx, j); err != nil {
				return err
			}
			leased = j
			return cur.Err()
		}
		return cur.Err()
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Complete removes a finished job.
func (q *KVQueue) Complete(ctx context.Context, id platform.ID) error {
	return q.kvStore.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(jobBucket)
		if err != nil {
			return err
		}
		encodedID, err := id.Encode()
		if err != nil {
			return ErrJobNotFound
		}
		return b.Delete(encodedID)
	})
}

// Requeue returns a leased job to queued state, hidden for delay.
func (q *KVQueue) Requeue(ctx context.Context, id platform.ID, delay time.Duration) error {
	return q.kvStore.Update(ctx, func(tx kv.Tx) error {
		j, err := q.getJob(tx, id)
		if err != nil {
			return err
		}
		j.State = StateQueued
		j.NotBefore = q.clock.Now().UTC().Add(delay)
		j.LeaseExpiresAt = time.Time{}
		return q.putJob(tx, j)
	})
}

// Cancel removes a queued job. A job a worker already leased runs to
// completion and cannot be cancelled.
func (q *KVQueue) Cancel(ctx context.Context, id platform.ID) error {
	return q.kvStore.Update(ctx, func(tx kv.Tx) error {
		j, err := q.getJob(tx, id)
		if err != nil {
			return err
		}
		if j.State == StateLeased && q.clock.Now().UTC().Before(j.LeaseExpiresAt) {
			return ErrJobRunning
		}
		b, err := tx.Bucket(jobBucket)
		if err != nil {
			return err
		}
		encodedID, _ := id.Encode()
		return b.Delete(encodedID)
	})
}

func (q *KVQueue) getJob(tx kv.Tx, id platform.ID) (*Job, error) {
	b, err := tx.Bucket(jobBucket)
	if err != nil {
		return nil, err
	}
	encodedID, err := id.Encode()
	if err != nil {
		return nil, ErrJobNotFound
	}
	v, err := b.Get(encodedID)
	if kv.IsNotFound(err) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j := &Job{}
	if err := json.Unmarshal(v, j); err != nil {
		return nil, corruptJobError(err)
	}
	return j, nil
}

func (q *KVQueue) putJob(tx kv.Tx, j *Job) error {
	b, err := tx.Bucket(jobBucket)
	if err != nil {
		return err
	}
	encodedID, err := j.ID.Encode()
	if err != nil {
		return err
	}
	v, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return b.Put(encodedID, v)
}

// visible reports whether the job may be leased at now: it is queued past
// its delay, or its previous lease expired.
func visible(j *Job, now time.Time) bool {
	switch j.State {
	case StateQueued:
		return !now.Before(j.NotBefore)
	case StateLeased:
		return now.After(j.LeaseExpiresAt)
	default:
		return false
	}
}
