package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/TaehongKim/personal-audio/pkg/log"
)

var knownTypes = map[JobType]bool{
	TypeMP3:           true,
	TypeVideo:         true,
	TypePlaylistMP3:   true,
	TypePlaylistVideo: true,
}

// recoverFromStore rebuilds the in-memory state from the durable store and
// reconciles orphans. Runs once at construction, before workers start: any
// record still processing belongs to a previous process and is requeued
// (downloads restart idempotently), keeping its last-known progress for
// display until the fresh attempt reports. Records of a type this build
// cannot handle are failed instead.
func (q *Queue) recoverFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Job, 0)
	requeued := 0
	failed := 0

	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusProcessing {
			if knownTypes[job.Type] {
				job.Status = StatusPending
				requeued++
			} else {
				job.Status = StatusFailed
				job.Error = "interrupted by abnormal shutdown; job type is no longer supported"
				failed++
			}
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job

		if job.Type.IsPlaylist() {
			items, err := q.store.ListItems(ctx, job.ID)
			if err != nil {
				log.Error("load items for job %s: %v", job.ID, err)
				continue
			}
			for _, item := range items {
				// An item caught mid-transfer restarts with its parent.
				if item.Status == ItemProcessing {
					item.Status = ItemPending
					item.UpdatedAt = now
					q.persistItem(item)
				}
			}
			q.items[job.ID] = items
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
	if requeued > 0 || failed > 0 {
		log.Info("recovery: requeued %d orphaned jobs, failed %d", requeued, failed)
	}
}

// Summary reports per-status job counts from the store, a point-in-time
// health snapshot.
func (q *Queue) Summary(ctx context.Context) (map[Status]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, WrapError(ErrSystem, "count jobs", err)
	}
	return counts, nil
}

// Listing is the queue view served to clients: active work first, then
// recent outcomes within their display windows.
type Listing struct {
	Processing []*Job `json:"processing"`
	Pending    []*Job `json:"pending"`
	Failed     []*Job `json:"failed"`
	Completed  []*Job `json:"completed"`
}

const (
	recentFailedWindow   = time.Hour
	recentFailedLimit    = 20
	recentCompleteWindow = 10 * time.Minute
	recentCompleteLimit  = 10
)

// QueueListing builds the display projection: processing, then pending
// oldest first, then failures within the last hour (max 20), then
// completions within the last ten minutes (max 10), newest first.
func (q *Queue) QueueListing(ctx context.Context) (*Listing, error) {
	listing := &Listing{
		Processing: q.ProcessingDownloads(),
		Pending:    q.PendingDownloads(),
	}

	failed, err := q.RecentFailed(ctx, recentFailedWindow, recentFailedLimit)
	if err != nil {
		return nil, err
	}
	listing.Failed = failed

	completed, err := q.RecentCompleted(ctx, recentCompleteWindow, recentCompleteLimit)
	if err != nil {
		return nil, err
	}
	listing.Completed = completed
	return listing, nil
}

// RecentFailed returns failures updated within the window, newest first.
func (q *Queue) RecentFailed(ctx context.Context, window time.Duration, limit int) ([]*Job, error) {
	jobs, err := q.store.ListJobs(ctx, Filter{
		Statuses: []Status{StatusFailed},
		Since:    time.Now().Add(-window),
		Limit:    limit,
		Desc:     true,
	})
	if err != nil {
		return nil, WrapError(ErrSystem, "list failed jobs", err)
	}
	return jobs, nil
}

// RecentCompleted returns completions updated within the window, newest
// first.
func (q *Queue) RecentCompleted(ctx context.Context, window time.Duration, limit int) ([]*Job, error) {
	jobs, err := q.store.ListJobs(ctx, Filter{
		Statuses: []Status{StatusCompleted},
		Since:    time.Now().Add(-window),
		Limit:    limit,
		Desc:     true,
	})
	if err != nil {
		return nil, WrapError(ErrSystem, "list completed jobs", err)
	}
	return jobs, nil
}

// PendingDownloads returns pending jobs in admission order, oldest first.
func (q *Queue) PendingDownloads() []*Job {
	return q.listByStatus(StatusPending, false)
}

// ProcessingDownloads returns jobs currently holding a concurrency slot.
func (q *Queue) ProcessingDownloads() []*Job {
	return q.listByStatus(StatusProcessing, false)
}

func (q *Queue) listByStatus(status Status, desc bool) []*Job {
	q.mu.RLock()
	ret := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == status {
			ret = append(ret, cloneJob(job))
		}
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if desc {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}
