package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scribe/internal/models"
	"scribe/internal/orchestrator"
	"scribe/internal/queue"
	"scribe/internal/ratelimit"
	"scribe/internal/source"
	"scribe/internal/store"
)

type fakePipeline struct {
	jobs      map[string]models.Job
	submitted []string
	summaries map[string]models.Summary
}

func (p *fakePipeline) Submit(_ context.Context, url string, _ []string) (models.Job, error) {
	info, err := source.Parse(url)
	if err != nil {
		return models.Job{}, err
	}
	if _, ok := p.jobs[info.ID]; ok {
		return models.Job{}, &orchestrator.ConflictError{Resource: "job", ExistingID: info.ID}
	}
	job := models.Job{ID: info.ID, SourceURL: url, Status: models.StatusPending}
	p.jobs[info.ID] = job
	p.submitted = append(p.submitted, url)
	return job, nil
}

func (p *fakePipeline) Get(_ context.Context, id string) (models.Job, error) {
	job, ok := p.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, nil
}

func (p *fakePipeline) Transcript(ctx context.Context, id string) (models.Job, error) {
	job, err := p.Get(ctx, id)
	if err != nil {
		return job, err
	}
	if job.Status != models.StatusCompleted {
		return job, fmt.Errorf("job %s: %w", id, orchestrator.ErrNotCompleted)
	}
	return job, nil
}

func (p *fakePipeline) Summarize(ctx context.Context, id string) (models.Summary, error) {
	if _, err := p.Transcript(ctx, id); err != nil {
		return models.Summary{}, err
	}
	if sum, ok := p.summaries[id]; ok {
		return sum, &orchestrator.ConflictError{Resource: "summary", ExistingID: sum.ID}
	}
	sum := models.Summary{ID: "sum_000000000001", JobID: id, Text: "summary"}
	p.summaries[id] = sum
	return sum, nil
}

type fakeQueue struct {
	entries map[string]queue.Entry
}

func (q fakeQueue) Stats() queue.Stats { return queue.Stats{Total: len(q.entries), Capacity: 10} }

func (q fakeQueue) Status(id string) (queue.Entry, bool) {
	e, ok := q.entries[id]
	return e, ok
}

func (q fakeQueue) Position(id string) (int, bool) {
	if e, ok := q.entries[id]; ok && e.Status == queue.EntryQueued {
		return 2, true
	}
	return 0, false
}

type staticTags []string

func (t staticTags) Tags() []string { return t }

func newTestServer(t *testing.T, limiter Limiter) (*fakePipeline, http.Handler) {
	t.Helper()
	pipe := &fakePipeline{jobs: map[string]models.Job{}, summaries: map[string]models.Summary{}}
	pipe.jobs["youtube_aaaaaaaaaaa"] = models.Job{ID: "youtube_aaaaaaaaaaa", Status: models.StatusCompleted, FullText: "hello world"}
	pipe.jobs["youtube_bbbbbbbbbbb"] = models.Job{ID: "youtube_bbbbbbbbbbb", Status: models.StatusTranscribing}
	q := fakeQueue{entries: map[string]queue.Entry{
		"entry-1": {ID: "entry-1", Status: queue.EntryQueued},
		"entry-2": {ID: "entry-2", Status: queue.EntryCompleted, Progress: 100},
	}}
	srv := New(Deps{Pipeline: pipe, Queue: q, Tags: staticTags{"digest", "research"}, Limiter: limiter, Model: "base"})
	return pipe, srv.Router()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTranscribe(t *testing.T) {
	pipe, h := newTestServer(t, nil)

	rec := do(h, http.MethodPost, "/api/transcribe", `{"url":"https://youtu.be/dQw4w9WgXcQ","tags":["digest"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp transcribeResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ID != "youtube_dQw4w9WgXcQ" || resp.Status != models.StatusPending {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = do(h, http.MethodPost, "/api/transcribe", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), `"existing_id":"youtube_dQw4w9WgXcQ"`) {
		t.Fatalf("expected 409 with existing id got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pipe.submitted) != 1 {
		t.Fatalf("duplicate should not submit, got %v", pipe.submitted)
	}

	for _, body := range []string{`{"url":""}`, `not json`, `{"url":"https://example.com/page"}`, `{"url":"ftp://x"}`} {
		if rec := do(h, http.MethodPost, "/api/transcribe", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400 got %d", body, rec.Code)
		}
	}
}

func TestTranscribeRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 1, 0.0001, time.Minute)
	_, h := newTestServer(t, limiter)

	if rec := do(h, http.MethodPost, "/api/transcribe", `{"url":"https://cdn.example.com/a.mp3"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first request expected 202 got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/transcribe", `{"url":"https://cdn.example.com/b.mp3"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429 got %d", rec.Code)
	}
}

func TestGetTranscription(t *testing.T) {
	_, h := newTestServer(t, nil)

	if rec := do(h, http.MethodGet, "/api/transcriptions/youtube_aaaaaaaaaaa", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected job response %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/api/transcriptions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/api/transcriptions/youtube_aaaaaaaaaaa/text", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello world" || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected text response %d %q %s", rec.Code, rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	if rec := do(h, http.MethodGet, "/api/transcriptions/youtube_bbbbbbbbbbb/text", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete job text expected 400 got %d", rec.Code)
	}
}

func TestSummaries(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(h, http.MethodPost, "/api/summaries", `{"transcription_id":"youtube_aaaaaaaaaaa"}`)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"summary_text":"summary"`) {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(h, http.MethodPost, "/api/summaries", `{"transcription_id":"youtube_aaaaaaaaaaa"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "sum_000000000001") {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodPost, "/api/summaries", `{"transcription_id":"youtube_bbbbbbbbbbb"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete job expected 400 got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/summaries", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id expected 400 got %d", rec.Code)
	}
}

func TestQueueAndTags(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := do(h, http.MethodGet, "/api/queue/entry-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"queue_position":2`) {
		t.Fatalf("unexpected queued entry %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(h, http.MethodGet, "/api/queue/entry-2", "")
	if strings.Contains(rec.Body.String(), "queue_position") {
		t.Fatalf("completed entry should have no position: %s", rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/api/queue/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/queue", ""); !strings.Contains(rec.Body.String(), `"queue_max_size":10`) {
		t.Fatalf("unexpected stats %s", rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/api/tags", ""); !strings.Contains(rec.Body.String(), `"tags":["digest","research"]`) {
		t.Fatalf("unexpected tags %s", rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"model":"base"`) {
		t.Fatalf("unexpected health %s", rec.Body.String())
	}
}
