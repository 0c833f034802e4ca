package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scribe/internal/models"
)

// Memory is an in-process store used when no Postgres DSN is configured and
// by tests. It offers the same contract as Postgres.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	byURL     map[string]string
	summaries map[string]models.Summary
	sources   []models.EpisodeSource
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]models.Job),
		byURL:     make(map[string]string),
		summaries: make(map[string]models.Summary),
	}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byURL[job.SourceURL]; ok {
		return cloneJob(m.jobs[id]), true, nil
	}
	if existing, ok := m.jobs[job.ID]; ok {
		return cloneJob(existing), true, nil
	}
	m.jobs[job.ID] = cloneJob(job)
	m.byURL[job.SourceURL] = job.ID
	return cloneJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) FindBySourceURL(_ context.Context, url string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byURL[url]
	if !ok {
		return models.Job{}, false, nil
	}
	return cloneJob(m.jobs[id]), true, nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, fn func(*models.Job) error) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	after := cloneJob(before)
	if err := fn(&after); err != nil {
		return models.Job{}, err
	}
	if err := checkUpdate(before, after); err != nil {
		return models.Job{}, err
	}
	after.UpdatedAt = time.Now().UTC()
	m.jobs[id] = cloneJob(after)
	return after, nil
}

func (m *Memory) FailInterrupted(_ context.Context, msg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		errMsg := msg
		job.Status = models.StatusFailed
		job.Error = &errMsg
		job.UpdatedAt = now
		job.CompletedAt = &now
		m.jobs[id] = job
		n++
	}
	return n, nil
}

func (m *Memory) ExpiredAudio(_ context.Context, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.AudioPath != "" && job.AudioCacheExpiry != nil && !job.AudioCacheExpiry.After(now) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AudioCacheExpiry.Before(*out[j].AudioCacheExpiry) })
	return out, nil
}

func (m *Memory) CreateSummary(_ context.Context, sum models.Summary) (models.Summary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.summaries[sum.JobID]; ok {
		return existing, true, nil
	}
	if sum.ID == "" {
		sum.ID = NewSummaryID()
	}
	sum.TagsAtTime = append([]string(nil), sum.TagsAtTime...)
	m.summaries[sum.JobID] = sum
	return sum, false, nil
}

func (m *Memory) SummaryForJob(_ context.Context, jobID string) (models.Summary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.summaries[jobID]
	return sum, ok, nil
}

func (m *Memory) CreateEpisodeSource(_ context.Context, src models.EpisodeSource) (models.EpisodeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[src.JobID]; !ok {
		return models.EpisodeSource{}, fmt.Errorf("job %s: %w", src.JobID, ErrNotFound)
	}
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	m.sources = append(m.sources, src)
	return src, nil
}

// EpisodeSources returns the attribution records for jobID.
func (m *Memory) EpisodeSources(jobID string) []models.EpisodeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EpisodeSource
	for _, src := range m.sources {
		if src.JobID == jobID {
			out = append(out, src)
		}
	}
	return out
}

// cloneJob copies the slice and pointer fields so callers cannot mutate
// stored state.
func cloneJob(j models.Job) models.Job {
	j.Tags = append([]string(nil), j.Tags...)
	if j.Transcript != nil {
		tr := *j.Transcript
		tr.Segments = append([]models.Segment(nil), tr.Segments...)
		j.Transcript = &tr
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}
