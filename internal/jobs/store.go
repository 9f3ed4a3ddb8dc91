package jobs

import (
	"context"
	"time"
)

// Filter narrows ListJobs. Zero values mean "no constraint".
type Filter struct {
	Statuses []Status
	Since    time.Time
	Limit    int
	// Desc orders by created_at descending when set; default is ascending.
	Desc bool
}

// Store persists job state. It is the single source of truth across
// restarts; the queue reconciles against it at construction and writes
// through on every mutation. All operations are atomic per record.
type Store interface {
	UpsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error
	// LoadJobs returns every record in created order, for boot hydration.
	LoadJobs(ctx context.Context) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	UpsertItems(ctx context.Context, items []*PlaylistItem) error
	// ListItems returns a job's items in position order.
	ListItems(ctx context.Context, jobID string) ([]*PlaylistItem, error)
	UpdateItem(ctx context.Context, item *PlaylistItem) error
	// DeleteJobData removes all auxiliary data (playlist items) for a job.
	DeleteJobData(ctx context.Context, jobID string) error
}
