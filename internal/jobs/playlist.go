package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TaehongKim/personal-audio/internal/fetch"
	"github.com/TaehongKim/personal-audio/pkg/log"
)

// expandPlaylist resolves a playlist submission into ordered item
// descriptors. Concurrent submissions of the same URL share one
// enumeration via singleflight.
func (q *Queue) expandPlaylist(ctx context.Context, job *Job) ([]*PlaylistItem, error) {
	v, err, _ := q.flights.Do(job.URL, func() (interface{}, error) {
		return q.fetcher.Enumerate(ctx, job.URL)
	})
	if err != nil {
		return nil, WrapError(ErrInvalidInput,
			fmt.Sprintf("playlist could not be resolved: %s", job.URL), err)
	}
	entries := v.([]fetch.Entry)
	if len(entries) == 0 {
		return nil, NewError(ErrInvalidInput, fmt.Sprintf("playlist is empty: %s", job.URL))
	}

	now := time.Now()
	items := make([]*PlaylistItem, 0, len(entries))
	for i, entry := range entries {
		items = append(items, &PlaylistItem{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Position:  i + 1,
			Title:     entry.Title,
			URL:       entry.URL,
			Status:    ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	log.Info("expanded playlist %s into %d items", job.URL, len(items))
	return items, nil
}

// runPlaylistJob processes a playlist's items strictly in order inside the
// parent's single concurrency slot. An item failure is recorded on the
// item and the run continues; already-terminal items (from a previous
// attempt) are skipped, which makes restarts idempotent. The parent fails
// only when no item succeeded at all.
func (q *Queue) runPlaylistJob(ctx context.Context, job *Job) error {
	q.mu.RLock()
	items := q.items[job.ID]
	ordered := make([]*PlaylistItem, len(items))
	copy(ordered, items)
	q.mu.RUnlock()

	if len(ordered) == 0 {
		return fmt.Errorf("playlist job %s has no items", job.ID)
	}

	total := len(ordered)
	for idx, item := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.Status == ItemCompleted || item.Status == ItemSkipped {
			continue
		}
		if !fetch.ValidateURL(item.URL) {
			// Flat enumeration sometimes yields entries with relative or
			// otherwise unfetchable URLs. Mark them skipped instead of
			// burning an attempt on them.
			q.setItemState(job.ID, item.ID, itemUpdate{status: ItemSkipped, errText: "unsupported item url"})
			q.publishItem(job, item, idx, total)
			log.Warn("playlist %s item %d/%d skipped: unsupported url %q", job.ID, idx+1, total, item.URL)
			continue
		}

		q.setItemState(job.ID, item.ID, itemUpdate{status: ItemProcessing, progress: 0})
		q.publishItem(job, item, idx, total)

		req := fetch.Request{
			URL:    item.URL,
			Format: fetchFormat(job.Type),
		}
		if job.Options != nil {
			req.Quality = job.Options.Quality
			req.Cookies = job.Options.Cookies
		}

		result, err := q.fetcher.Fetch(ctx, req, func(p fetch.Progress) {
			q.setItemProgress(job, item, idx, total, p.Percent)
		})
		if err != nil {
			if ctx.Err() != nil {
				// pause/cancel: leave the item pending for the next attempt
				q.setItemState(job.ID, item.ID, itemUpdate{status: ItemPending, keepProgress: true})
				return ctx.Err()
			}
			q.setItemState(job.ID, item.ID, itemUpdate{status: ItemFailed, keepProgress: true, errText: err.Error()})
			q.publishItem(job, item, idx, total)
			log.Warn("playlist %s item %d/%d failed: %v", job.ID, idx+1, total, err)
			continue
		}

		q.setItemState(job.ID, item.ID, itemUpdate{
			status:   ItemCompleted,
			progress: 100,
			title:    result.Title,
			filePath: result.FilePath,
		})
		q.publishItem(job, item, idx, total)
		q.advanceParentProgress(job.ID, total)
	}

	if q.completedItemCount(job.ID) == 0 {
		return fmt.Errorf("all %d playlist items failed", total)
	}
	return nil
}

type itemUpdate struct {
	status       ItemStatus
	progress     int
	keepProgress bool
	title        string
	filePath     string
	errText      string
}

// setItemState mutates one item under q.mu and writes it through.
func (q *Queue) setItemState(jobID, itemID string, update itemUpdate) {
	q.mu.Lock()
	var snapshot *PlaylistItem
	for _, item := range q.items[jobID] {
		if item.ID != itemID {
			continue
		}
		item.Status = update.status
		if !update.keepProgress {
			item.Progress = update.progress
		}
		if update.title != "" {
			item.Title = update.title
		}
		if update.filePath != "" {
			item.FilePath = update.filePath
		}
		item.Error = update.errText
		item.UpdatedAt = time.Now()
		snapshot = cloneItem(item)
		break
	}
	q.mu.Unlock()

	if snapshot != nil {
		q.persistItem(snapshot)
	}
}

// setItemProgress applies a progress report to the running item, monotonic
// within the attempt.
func (q *Queue) setItemProgress(job *Job, item *PlaylistItem, idx, total, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	q.mu.Lock()
	var snapshot *PlaylistItem
	for _, current := range q.items[job.ID] {
		if current.ID != item.ID {
			continue
		}
		if current.Status != ItemProcessing || percent <= current.Progress {
			q.mu.Unlock()
			return
		}
		current.Progress = percent
		current.UpdatedAt = time.Now()
		item.Progress = percent
		snapshot = cloneItem(current)
		break
	}
	q.mu.Unlock()

	if snapshot == nil {
		return
	}
	q.persistItem(snapshot)
	q.publishItemSnapshot(job, snapshot, idx, total)
}

// advanceParentProgress recomputes the parent aggregate as
// completed-items over total, which only ever grows.
func (q *Queue) advanceParentProgress(jobID string, total int) {
	completed := q.completedItemCount(jobID)
	aggregate := completed * 100 / total

	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusProcessing || aggregate <= job.Progress {
		q.mu.Unlock()
		return
	}
	job.Progress = aggregate
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
}

func (q *Queue) completedItemCount(jobID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	count := 0
	for _, item := range q.items[jobID] {
		if item.Status == ItemCompleted {
			count++
		}
	}
	return count
}

func (q *Queue) publishItem(job *Job, item *PlaylistItem, idx, total int) {
	q.mu.RLock()
	var snapshot *PlaylistItem
	for _, current := range q.items[job.ID] {
		if current.ID == item.ID {
			snapshot = cloneItem(current)
			break
		}
	}
	progress := 0
	status := job.Status
	if current, ok := q.jobs[job.ID]; ok {
		progress = current.Progress
		status = current.Status
	}
	q.mu.RUnlock()

	if snapshot == nil {
		return
	}
	q.broadcaster.Publish(Event{
		JobID:    job.ID,
		Status:   status,
		Progress: progress,
		Item: &ItemEvent{
			Index:    idx + 1,
			Total:    total,
			Title:    snapshot.Title,
			Status:   snapshot.Status,
			Progress: snapshot.Progress,
		},
	})
}

func (q *Queue) publishItemSnapshot(job *Job, item *PlaylistItem, idx, total int) {
	q.mu.RLock()
	progress := 0
	status := job.Status
	if current, ok := q.jobs[job.ID]; ok {
		progress = current.Progress
		status = current.Status
	}
	q.mu.RUnlock()

	q.broadcaster.Publish(Event{
		JobID:    job.ID,
		Status:   status,
		Progress: progress,
		Item: &ItemEvent{
			Index:    idx + 1,
			Total:    total,
			Title:    item.Title,
			Status:   item.Status,
			Progress: item.Progress,
		},
	})
}
