package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaehongKim/personal-audio/internal/config"
	"github.com/TaehongKim/personal-audio/internal/fetch"
	"github.com/TaehongKim/personal-audio/internal/jobs"
	"github.com/TaehongKim/personal-audio/internal/persistence"
)

type fakeSettingsStore struct {
	current   config.RuntimeSettings
	updateErr error
}

func (f *fakeSettingsStore) GetRuntimeSettings() (config.RuntimeSettings, error) {
	return f.current, nil
}

func (f *fakeSettingsStore) UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error) {
	if f.updateErr != nil {
		return config.RuntimeSettings{}, f.updateErr
	}
	f.current = next
	return f.current, nil
}

type stubExecutor struct {
	entries []fetch.Entry
	err     error
}

func (s *stubExecutor) Fetch(ctx context.Context, req fetch.Request, progress func(fetch.Progress)) (*fetch.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	progress(fetch.Progress{Percent: 100})
	return &fetch.Result{FilePath: "/downloads/out.mp3", Title: "out"}, nil
}

func (s *stubExecutor) Enumerate(ctx context.Context, sourceURL string) ([]fetch.Entry, error) {
	return s.entries, nil
}

func newTestServer(t *testing.T, exec fetch.Executor, opts ...Option) (*Server, *jobs.Queue) {
	t.Helper()
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "personal-audio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	queue := jobs.NewQueue(jobs.Config{Concurrency: 1}, store, exec, nil)
	return NewServer(queue, opts...), queue
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitDownload(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	rec := postJSON(t, srv, "/api/downloads", map[string]any{
		"url":     "https://example.com/watch?v=a",
		"format":  "audio",
		"quality": "192K",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobs.TypeMP3, job.Type)
	assert.Equal(t, jobs.StatusPending, job.Status)
	require.NotNil(t, job.Options)
	assert.Equal(t, "192K", job.Options.Quality)
}

func TestServer_SubmitDownload_Validation(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	rec := postJSON(t, srv, "/api/downloads", map[string]any{"format": "audio"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv, "/api/downloads", map[string]any{
		"url":    "ftp://example.com/a",
		"format": "audio",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "InvalidInput", payload["kind"])

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Listing(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	rec := postJSON(t, srv, "/api/downloads", map[string]any{
		"url":    "https://example.com/watch?v=a",
		"format": "audio",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/downloads", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing jobs.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Pending, 1)
	assert.Empty(t, listing.Processing)
}

func TestServer_Summary(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	rec := postJSON(t, srv, "/api/downloads", map[string]any{
		"url":    "https://example.com/watch?v=a",
		"format": "audio",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/downloads/summary", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var counts map[jobs.Status]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts[jobs.StatusPending])
}

func TestServer_JobDetail(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{entries: []fetch.Entry{
		{URL: "https://example.com/watch?v=1", Title: "one"},
		{URL: "https://example.com/watch?v=2", Title: "two"},
	}})

	job, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/playlist?list=PL1",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/downloads/"+job.ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Job   *jobs.Job            `json:"job"`
		Items []*jobs.PlaylistItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, job.ID, detail.Job.ID)
	assert.Len(t, detail.Items, 2)

	req = httptest.NewRequest(http.MethodGet, "/api/downloads/no-such-id", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ControlRoutes(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{})

	job, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/watch?v=a",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)

	rec := postJSON(t, srv, "/api/downloads/"+job.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.Equal(t, jobs.StatusPaused, paused.Status)

	rec = postJSON(t, srv, "/api/downloads/"+job.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, jobs.StatusPending, resumed.Status)

	rec = postJSON(t, srv, "/api/downloads/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var canceled jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.Equal(t, jobs.StatusCanceled, canceled.Status)

	// Control on an unknown id still reports success.
	rec = postJSON(t, srv, "/api/downloads/no-such-id/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// GET on a control route is rejected.
	req := httptest.NewRequest(http.MethodGet, "/api/downloads/"+job.ID+"/cancel", nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, getRec.Code)
}

func TestServer_Delete(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{})

	job, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/watch?v=a",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)

	// A pending job cannot be deleted.
	req := httptest.NewRequest(http.MethodDelete, "/api/downloads/"+job.ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, []any{job.ID}, payload["conflict_ids"])

	require.NoError(t, queue.Cancel(context.Background(), job.ID))

	req = httptest.NewRequest(http.MethodDelete, "/api/downloads/"+job.ID, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_DeleteBatch(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{})

	blocked, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/watch?v=a",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)

	done, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/watch?v=b",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)
	require.NoError(t, queue.Cancel(context.Background(), done.ID))

	rec := postJSON(t, srv, "/api/downloads/delete-batch", map[string]any{
		"ids": []string{blocked.ID, done.ID},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, []any{blocked.ID}, payload["conflict_ids"])

	// Both jobs survived the rejected batch.
	_, ok := queue.Get(blocked.ID)
	assert.True(t, ok)
	_, ok = queue.Get(done.ID)
	assert.True(t, ok)

	rec = postJSON(t, srv, "/api/downloads/delete-batch", map[string]any{
		"ids": []string{done.ID},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/api/downloads/delete-batch", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PauseAllResumeAll(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{})

	for i := 0; i < 2; i++ {
		_, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
			URL:    fmt.Sprintf("https://example.com/watch?v=%d", i),
			Format: jobs.FormatAudio,
		})
		require.NoError(t, err)
	}

	rec := postJSON(t, srv, "/api/downloads/pause-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pausedResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pausedResp))
	assert.Equal(t, 2, pausedResp["paused"])

	rec = postJSON(t, srv, "/api/downloads/resume-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumedResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumedResp))
	assert.Equal(t, 2, resumedResp["resumed"])
}

func TestServer_Settings(t *testing.T) {
	settings := &fakeSettingsStore{current: config.RuntimeSettings{
		DownloadsDir:  "/downloads",
		MaxConcurrent: 3,
		CleanupCron:   "@every 1h",
	}}
	var applied []config.RuntimeSettings
	srv, _ := newTestServer(t, &stubExecutor{},
		WithRuntimeSettingsStore(settings),
		WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			applied = append(applied, next)
			return nil
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got config.RuntimeSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.MaxConcurrent)

	// An invalid cron expression is rejected before the store is touched.
	raw, err := json.Marshal(config.RuntimeSettings{
		DownloadsDir:  "/downloads",
		MaxConcurrent: 2,
		CleanupCron:   "not a cron expr",
	})
	require.NoError(t, err)
	putReq := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(raw))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, putReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 3, settings.current.MaxConcurrent)
	assert.Empty(t, applied)

	// A valid update round-trips and reaches the running system through
	// the applier.
	raw, err = json.Marshal(config.RuntimeSettings{
		DownloadsDir:  "/downloads",
		MaxConcurrent: 5,
		CleanupCron:   "@every 2h",
	})
	require.NoError(t, err)
	putReq = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(raw))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, putReq)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applied, 1)
	assert.Equal(t, 5, applied[0].MaxConcurrent)
	assert.Equal(t, 5, settings.current.MaxConcurrent)
}

func TestServer_SettingsNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestParseDownloadRoute(t *testing.T) {
	id, action, ok := parseDownloadRoute("/api/downloads/abc")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Empty(t, action)

	id, action, ok = parseDownloadRoute("/api/downloads/abc/cancel")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "cancel", action)

	_, _, ok = parseDownloadRoute("/api/downloads/")
	assert.False(t, ok)

	_, _, ok = parseDownloadRoute("/api/downloads/a/b/c")
	assert.False(t, ok)
}

func TestServer_GlobalStream_SendsSnapshotFirst(t *testing.T) {
	srv, queue := newTestServer(t, &stubExecutor{})

	job, err := queue.Enqueue(context.Background(), jobs.EnqueueRequest{
		URL:    "https://example.com/watch?v=a",
		Format: jobs.FormatAudio,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/downloads/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "data: "))

	firstFrame := strings.SplitN(rec.Body.String(), "\n\n", 2)[0]
	var snapshot []*jobs.Job
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(firstFrame, "data: ")), &snapshot))
	require.Len(t, snapshot, 1)
	assert.Equal(t, job.ID, snapshot[0].ID)
}

func TestServer_JobStream_UnknownJobIs404(t *testing.T) {
	srv, _ := newTestServer(t, &stubExecutor{})

	req := httptest.NewRequest(http.MethodGet, "/api/downloads/no-such-id/stream", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
