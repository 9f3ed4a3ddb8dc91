package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/TaehongKim/personal-audio/internal/fetch"
	"github.com/TaehongKim/personal-audio/pkg/log"
)

// Config bounds the queue. FetchTimeout of zero means no watchdog on an
// individual fetch.
type Config struct {
	Concurrency  int
	FetchTimeout time.Duration
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// activeFetch tracks one in-flight executor invocation. reason is guarded
// by Queue.mu and read back when the executor acknowledges the stop.
type activeFetch struct {
	cancel context.CancelFunc
	reason stopReason
}

// Queue owns admission, concurrency-bounded dispatch and per-job control.
// It is an injectable handle with lifecycle tied to Start/Stop; in-memory
// state mirrors the store and is rebuilt from it at construction.
type Queue struct {
	cfg         Config
	store       Store
	fetcher     fetch.Executor
	broadcaster *Broadcaster

	flights singleflight.Group

	mu         sync.RWMutex
	jobs       map[string]*Job
	items      map[string][]*PlaylistItem
	active     map[string]*activeFetch
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	quitCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(cfg Config, store Store, fetcher fetch.Executor, broadcaster *Broadcaster) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	q := &Queue{
		cfg:         cfg,
		store:       store,
		fetcher:     fetcher,
		broadcaster: broadcaster,
		jobs:        make(map[string]*Job),
		items:       make(map[string][]*PlaylistItem),
		active:      make(map[string]*activeFetch),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
		quitCh:      make(chan struct{}, 1024),
	}
	q.recoverFromStore(context.Background())
	return q
}

func (q *Queue) Broadcaster() *Broadcaster {
	return q.broadcaster
}

// Enqueue validates and admits a new submission. Playlist URLs are
// expanded before the record is persisted; the parent job is returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	url := strings.TrimSpace(req.URL)
	if !fetch.ValidateURL(url) {
		return nil, NewError(ErrInvalidInput, fmt.Sprintf("malformed or unsupported url: %q", req.URL))
	}
	if req.Format != FormatAudio && req.Format != FormatVideo {
		return nil, NewError(ErrInvalidInput, fmt.Sprintf("unknown format: %q", req.Format))
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Type:      classify(url, req.Format),
		Status:    StatusPending,
		Options:   req.Options,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var items []*PlaylistItem
	if job.Type.IsPlaylist() {
		expanded, err := q.expandPlaylist(ctx, job)
		if err != nil {
			return nil, err
		}
		items = expanded
	}

	if err := q.store.UpsertJob(ctx, job); err != nil {
		return nil, WrapError(ErrSystem, "persist job", err)
	}
	if len(items) > 0 {
		if err := q.store.UpsertItems(ctx, items); err != nil {
			return nil, WrapError(ErrSystem, "persist playlist items", err)
		}
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	if len(items) > 0 {
		q.items[job.ID] = items
	}
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.publishJob(snapshot)
	if started {
		q.enqueuePendingID(job.ID)
	}
	log.Info("enqueued %s job %s (%s)", job.Type, job.ID, job.URL)
	return snapshot, nil
}

func classify(url string, format Format) JobType {
	playlist := fetch.IsPlaylistURL(url)
	switch {
	case playlist && format == FormatAudio:
		return TypePlaylistMP3
	case playlist:
		return TypePlaylistVideo
	case format == FormatAudio:
		return TypeMP3
	default:
		return TypeVideo
	}
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// Items returns a playlist job's items in position order.
func (q *Queue) Items(id string) []*PlaylistItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	items := q.items[id]
	ret := make([]*PlaylistItem, 0, len(items))
	for _, item := range items {
		ret = append(ret, cloneItem(item))
	}
	return ret
}

func (q *Queue) List() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// Start launches the worker pool. Pending jobs hydrated from the store are
// admitted first, oldest first.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	workers := q.cfg.Concurrency
	q.mu.Unlock()

	for _, job := range pending {
		q.enqueuePendingID(job.ID)
	}

	for range workers {
		q.wg.Add(1)
		go q.worker()
	}
	log.Info("queue started with %d workers", workers)
}

// SetConcurrency resizes the worker pool. Growing starts the extra
// workers immediately; shrinking takes effect as workers finish the job
// they are currently on. Values below one are ignored.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		return
	}

	q.mu.Lock()
	delta := n - q.cfg.Concurrency
	q.cfg.Concurrency = n
	started := q.started
	q.mu.Unlock()

	if !started || delta == 0 {
		return
	}
	if delta > 0 {
		// Drop quit tokens left over from an earlier shrink so they do
		// not kill the workers started here.
		for {
			select {
			case <-q.quitCh:
				continue
			default:
			}
			break
		}
		for range delta {
			q.wg.Add(1)
			go q.worker()
		}
		log.Info("worker pool grown to %d", n)
		return
	}
	for range -delta {
		select {
		case q.quitCh <- struct{}{}:
		default:
		}
	}
	log.Info("worker pool shrinking to %d", n)
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.mu.Lock()
		for _, af := range q.active {
			// In-flight work goes back to pending so the next process
			// picks it up, unless a pause or cancel already won.
			if af.reason == stopNone {
				af.reason = stopShutdown
			}
			af.cancel()
		}
		q.mu.Unlock()
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.quitCh:
			return
		case id := <-q.pendingIDs:
			job, ctx, ok := q.claim(id)
			if !ok {
				continue
			}

			var err error
			if job.Type.IsPlaylist() {
				err = q.runPlaylistJob(ctx, job)
			} else {
				err = q.runSingleJob(ctx, job)
			}
			q.finish(job.ID, err)
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		// Channel full. Hand off to a goroutine that gives up once the
		// queue stops, so a shutdown does not strand it.
		go func() {
			select {
			case q.pendingIDs <- id:
			case <-q.stopCh:
			}
		}()
	}
}

// claim transitions a pending job to processing and registers the active
// fetch handle. Ids whose job was paused, canceled or deleted since
// admission are skipped, so a job is never dispatched twice.
func (q *Queue) claim(id string) (*Job, context.Context, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, nil, false
	}
	job.Status = StatusProcessing
	job.Progress = 0
	job.Error = ""
	job.UpdatedAt = time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if q.cfg.FetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.cfg.FetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	q.active[id] = &activeFetch{cancel: cancel}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
	return snapshot, ctx, true
}

func (q *Queue) runSingleJob(ctx context.Context, job *Job) error {
	req := fetch.Request{
		URL:    job.URL,
		Format: fetchFormat(job.Type),
	}
	if job.Options != nil {
		req.Quality = job.Options.Quality
		req.Cookies = job.Options.Cookies
	}

	result, err := q.fetcher.Fetch(ctx, req, func(p fetch.Progress) {
		q.setProgress(job.ID, p.Percent)
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	if current, ok := q.jobs[job.ID]; ok {
		current.Title = result.Title
		current.FilePath = result.FilePath
		current.FileSize = result.FileSize
	}
	q.mu.Unlock()
	return nil
}

func fetchFormat(t JobType) fetch.Format {
	if t == TypeMP3 || t == TypePlaylistMP3 {
		return fetch.FormatAudio
	}
	return fetch.FormatVideo
}

// finish resolves the terminal (or paused) state of a returned execution.
// A context error is attributed to the recorded stop reason: pause keeps
// the job resumable, shutdown returns it to pending for the next process,
// cancel and the watchdog end it.
func (q *Queue) finish(id string, runErr error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		// Deleted while processing is impossible (delete rejects
		// non-terminal jobs), but guard anyway.
		if af, exists := q.active[id]; exists {
			af.cancel()
			delete(q.active, id)
		}
		q.mu.Unlock()
		return
	}

	reason := stopNone
	if af, exists := q.active[id]; exists {
		reason = af.reason
		af.cancel()
		delete(q.active, id)
	}

	switch {
	case runErr == nil:
		job.Status = StatusCompleted
		if !job.Type.IsPlaylist() {
			job.Progress = 100
		}
		job.Error = ""
	case reason == stopPause:
		job.Status = StatusPaused
	case reason == stopCancel:
		job.Status = StatusCanceled
	case reason == stopShutdown:
		job.Status = StatusPending
	default:
		job.Status = StatusFailed
		job.Error = runErr.Error()
	}
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
	if snapshot.Status == StatusFailed {
		log.Warn("job %s failed: %s", id, snapshot.Error)
	} else {
		log.Info("job %s -> %s", id, snapshot.Status)
	}
}

// setProgress applies one progress report. Progress is monotonic within an
// attempt; stale or out-of-order reports are dropped.
func (q *Queue) setProgress(id string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusProcessing || percent <= job.Progress {
		q.mu.Unlock()
		return
	}
	job.Progress = percent
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
}

// Cancel stops a job. Terminal and unknown ids are a no-op success; a
// processing job is signaled and transitions once the executor
// acknowledges at its next checkpoint.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return nil
	}

	if job.Status == StatusProcessing {
		// First signal wins; a concurrent pause already in flight makes
		// this cancel a no-op success.
		if af, exists := q.active[id]; exists && af.reason == stopNone {
			af.reason = stopCancel
			af.cancel()
		}
		q.mu.Unlock()
		return nil
	}

	// pending or paused: immediate, never dispatched again
	job.Status = StatusCanceled
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
	return nil
}

// Pause moves a pending or processing job to paused. Everything else is a
// no-op success.
func (q *Queue) Pause(ctx context.Context, id string) error {
	q.mu.Lock()
	snapshot := q.pauseLocked(id)
	q.mu.Unlock()

	if snapshot != nil {
		q.persistJob(snapshot)
		q.publishJob(snapshot)
	}
	return nil
}

// pauseLocked applies pause bookkeeping under q.mu and returns a snapshot
// when an immediate transition happened (pending jobs only; processing
// jobs transition when the executor acknowledges).
func (q *Queue) pauseLocked(id string) *Job {
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	switch job.Status {
	case StatusProcessing:
		if af, exists := q.active[id]; exists && af.reason == stopNone {
			af.reason = stopPause
			af.cancel()
		}
		return nil
	case StatusPending:
		job.Status = StatusPaused
		job.UpdatedAt = time.Now()
		return cloneJob(job)
	default:
		return nil
	}
}

// PauseAll pauses every pending and processing job and returns the number
// of jobs affected.
func (q *Queue) PauseAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	affected := 0
	snapshots := make([]*Job, 0)
	for id, job := range q.jobs {
		switch job.Status {
		case StatusProcessing:
			if af, exists := q.active[id]; exists && af.reason == stopNone {
				af.reason = stopPause
				af.cancel()
				affected++
			}
		case StatusPending:
			job.Status = StatusPaused
			job.UpdatedAt = time.Now()
			snapshots = append(snapshots, cloneJob(job))
			affected++
		}
	}
	q.mu.Unlock()

	for _, snapshot := range snapshots {
		q.persistJob(snapshot)
		q.publishJob(snapshot)
	}
	return affected, nil
}

// Resume returns one paused job to the admission queue. The job keeps its
// original CreatedAt but re-enters at the back; the last-known progress
// stays visible while the job waits, and resets once the fresh attempt is
// dispatched.
func (q *Queue) Resume(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPaused {
		q.mu.Unlock()
		return nil
	}
	job.Status = StatusPending
	job.UpdatedAt = time.Now()
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.publishJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return nil
}

// ResumeAll moves all paused jobs back to pending, oldest first, and
// returns the number of jobs affected.
func (q *Queue) ResumeAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	resumed := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status != StatusPaused {
			continue
		}
		job.Status = StatusPending
		job.UpdatedAt = time.Now()
		resumed = append(resumed, cloneJob(job))
	}
	sort.Slice(resumed, func(i, j int) bool {
		return resumed[i].CreatedAt.Before(resumed[j].CreatedAt)
	})
	started := q.started
	q.mu.Unlock()

	for _, snapshot := range resumed {
		q.persistJob(snapshot)
		q.publishJob(snapshot)
		if started {
			q.enqueuePendingID(snapshot.ID)
		}
	}
	return len(resumed), nil
}

// Delete removes a terminal job and its data. Unknown ids are a no-op
// success; non-terminal jobs are rejected.
func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if !job.Status.IsTerminal() {
		q.mu.Unlock()
		return NewError(ErrInvalidState,
			fmt.Sprintf("job %s is %s; only completed, failed or canceled jobs can be deleted", id, job.Status)).
			WithConflictIDs(id)
	}
	q.mu.Unlock()

	// Durable record first: if the store delete fails the job stays
	// visible and the call can simply be retried.
	if err := q.deleteFromStore(ctx, id); err != nil {
		return err
	}

	q.mu.Lock()
	delete(q.jobs, id)
	delete(q.items, id)
	q.mu.Unlock()
	return nil
}

// DeleteBatch deletes terminal jobs all-or-nothing: if any listed id names
// a non-terminal job the whole batch is rejected with the offending ids
// and nothing is deleted. Ids that are already gone are fine.
func (q *Queue) DeleteBatch(ctx context.Context, ids []string) error {
	q.mu.Lock()
	offenders := make([]string, 0)
	for _, id := range ids {
		if job, ok := q.jobs[id]; ok && !job.Status.IsTerminal() {
			offenders = append(offenders, id)
		}
	}
	if len(offenders) > 0 {
		q.mu.Unlock()
		return NewError(ErrInvalidState, "batch contains non-terminal jobs").
			WithConflictIDs(offenders...)
	}
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := q.jobs[id]; ok {
			present = append(present, id)
		}
	}
	q.mu.Unlock()

	// Store deletes come first so a mid-batch failure leaves every job
	// still listed and the whole batch retryable.
	for _, id := range present {
		if err := q.deleteFromStore(ctx, id); err != nil {
			return err
		}
	}

	q.mu.Lock()
	for _, id := range present {
		delete(q.jobs, id)
		delete(q.items, id)
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) deleteFromStore(ctx context.Context, id string) error {
	if err := q.store.DeleteJobData(ctx, id); err != nil {
		return WrapError(ErrSystem, "delete job data", err)
	}
	if err := q.store.DeleteJob(ctx, id); err != nil {
		return WrapError(ErrSystem, "delete job", err)
	}
	return nil
}

// CleanupTerminal prunes terminal jobs whose last update is older than the
// retention window. Driven by the cron janitor.
func (q *Queue) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	q.mu.Lock()
	expired := make([]string, 0)
	for id, job := range q.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	removed := 0
	for _, id := range expired {
		if err := q.deleteFromStore(ctx, id); err != nil {
			return removed, err
		}
		q.mu.Lock()
		delete(q.jobs, id)
		delete(q.items, id)
		q.mu.Unlock()
		removed++
	}
	if removed > 0 {
		log.Info("cleanup removed %d terminal jobs", removed)
	}
	return removed, nil
}

func (q *Queue) persistJob(job *Job) {
	if job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) persistItem(item *PlaylistItem) {
	if item == nil {
		return
	}
	if err := q.store.UpdateItem(context.Background(), item); err != nil {
		log.Error("persist item %s of job %s: %v", item.ID, item.JobID, err)
	}
}

func (q *Queue) publishJob(job *Job) {
	q.broadcaster.Publish(Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Title:    job.Title,
		Error:    job.Error,
	})
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Options != nil {
		opts := *job.Options
		tmp.Options = &opts
	}
	return &tmp
}

func cloneItem(item *PlaylistItem) *PlaylistItem {
	if item == nil {
		return nil
	}
	tmp := *item
	return &tmp
}
