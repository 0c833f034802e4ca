package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"scribe/internal/clock"
	"scribe/internal/downloader"
	"scribe/internal/models"
	"scribe/internal/queue"
	"scribe/internal/source"
	"scribe/internal/summarizer"
	"scribe/internal/tags"
	"scribe/internal/telemetry"
)

// ErrNotCompleted is returned when a job has no transcript yet.
var ErrNotCompleted = errors.New("transcription is not complete")

// ConflictError reports that the requested resource already exists. Callers
// treat it as success with ExistingID.
type ConflictError struct {
	Resource   string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ExistingID)
}

// JobStore persists jobs, summaries and attribution records.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error)
	FailInterrupted(ctx context.Context, msg string) (int, error)
	ExpiredAudio(ctx context.Context, now time.Time) ([]models.Job, error)
	CreateSummary(ctx context.Context, sum models.Summary) (models.Summary, bool, error)
	SummaryForJob(ctx context.Context, jobID string) (models.Summary, bool, error)
	CreateEpisodeSource(ctx context.Context, src models.EpisodeSource) (models.EpisodeSource, error)
}

// Downloader fetches audio for a job.
type Downloader interface {
	Download(ctx context.Context, url, jobID string) (downloader.Result, error)
	Delete(jobID string) (bool, error)
}

// Queue accepts audio for transcription.
type Queue interface {
	Submit(ctx context.Context, audioPath string, opts queue.Options) (string, error)
	Status(id string) (queue.Entry, bool)
}

// Summarizer produces summary text.
type Summarizer interface {
	Summarize(ctx context.Context, req summarizer.Request) (summarizer.Response, error)
}

// TagResolver picks the summarization profile for a job's tags.
type TagResolver interface {
	Resolve(jobTags []string) tags.Resolved
}

// Archiver stores the finished transcript document.
type Archiver interface {
	Store(ctx context.Context, job models.Job) (string, error)
}

// Config holds pipeline timings.
type Config struct {
	PollInterval  time.Duration
	MaxWait       time.Duration
	AudioCacheTTL time.Duration
	Model         string
	Language      string
}

// Deps are the collaborators of the pipeline. Summarizer, Tags and Archive
// may be nil.
type Deps struct {
	Store      JobStore
	Downloader Downloader
	Queue      Queue
	Summarizer Summarizer
	Tags       TagResolver
	Archive    Archiver
}

// Result is the outcome of one URL run.
type Result struct {
	Success  bool   `json:"success"`
	JobID    string `json:"job_id"`
	Error    string `json:"error,omitempty"`
	Existing bool   `json:"existing,omitempty"`
}

// Orchestrator owns every Job transition.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	clock clock.Clock

	bg context.Context
	wg sync.WaitGroup
}

// New constructs an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Hour
	}
	if cfg.AudioCacheTTL <= 0 {
		cfg.AudioCacheTTL = 24 * time.Hour
	}
	return &Orchestrator{deps: deps, cfg: cfg, clock: clock.Real(), bg: context.Background()}
}

// WithClock swaps the clock used for polling and timestamps.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = c
	return o
}

// WithBackground sets the parent context of pipelines started by Submit.
func (o *Orchestrator) WithBackground(ctx context.Context) *Orchestrator {
	o.bg = ctx
	return o
}

// Wait blocks until every pipeline started by Submit has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ProcessURL runs the whole pipeline for url and blocks until the job is
// terminal. A URL that already has a job yields *ConflictError.
func (o *Orchestrator) ProcessURL(ctx context.Context, url string, jobTags []string) (Result, error) {
	job, err := o.create(ctx, url, jobTags)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return Result{JobID: conflict.ExistingID, Existing: true}, err
		}
		return Result{}, err
	}
	return o.run(ctx, job), nil
}

// Submit creates the job and runs the pipeline in the background.
func (o *Orchestrator) Submit(ctx context.Context, url string, jobTags []string) (models.Job, error) {
	job, err := o.create(ctx, url, jobTags)
	if err != nil {
		return models.Job{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.bg, job)
	}()
	return job, nil
}

func (o *Orchestrator) create(ctx context.Context, url string, jobTags []string) (models.Job, error) {
	info, err := source.Parse(url)
	if err != nil {
		return models.Job{}, err
	}
	now := o.clock.Now().UTC()
	job := models.Job{
		ID:         info.ID,
		SourceURL:  info.URL,
		SourceType: info.SourceType,
		Status:     models.StatusPending,
		Progress:   models.ProgressPending,
		Tags:       tags.Normalize(jobTags),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stored, existing, err := o.deps.Store.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if existing {
		telemetry.JobsDuplicate.Inc()
		log.Printf("job %s already exists for %s status=%s", stored.ID, url, stored.Status)
		return stored, &ConflictError{Resource: "job", ExistingID: stored.ID}
	}
	telemetry.JobsSubmitted.Inc()
	log.Printf("job %s created source=%s type=%s", stored.ID, stored.SourceURL, stored.SourceType)
	return stored, nil
}

func (o *Orchestrator) run(ctx context.Context, job models.Job) Result {
	id := job.ID
	if err := o.advance(ctx, id, models.StatusDownloading, models.ProgressDownloading, func(j *models.Job) {
		started := o.clock.Now().UTC()
		j.StartedAt = &started
	}); err != nil {
		return o.fail(ctx, id, "download", err)
	}

	dl, err := o.deps.Downloader.Download(ctx, job.SourceURL, id)
	if err != nil {
		return o.fail(ctx, id, "download", err)
	}
	expiry := o.clock.Now().UTC().Add(o.cfg.AudioCacheTTL)
	if _, err := o.deps.Store.UpdateJob(ctx, id, func(j *models.Job) error {
		j.Metadata = dl.Metadata
		j.AudioPath = dl.AudioPath
		j.AudioCacheExpiry = &expiry
		j.SourceContext = dl.SourceContext
		return nil
	}); err != nil {
		return o.fail(ctx, id, "download", err)
	}

	if err := o.advance(ctx, id, models.StatusTranscribing, models.ProgressTranscribing, nil); err != nil {
		return o.fail(ctx, id, "transcribe", err)
	}
	entryID, err := o.deps.Queue.Submit(ctx, dl.AudioPath, queue.Options{Model: o.cfg.Model, Language: o.cfg.Language})
	if err != nil {
		return o.fail(ctx, id, "queue", err)
	}
	log.Printf("job %s submitted to transcription queue entry=%s", id, entryID)

	entry, err := o.awaitEntry(ctx, entryID)
	if err != nil {
		return o.fail(ctx, id, "transcribe", err)
	}
	if entry.Status == queue.EntryFailed {
		return o.fail(ctx, id, "transcribe", errors.New(entry.Error))
	}

	tr := *entry.Result
	full := tr.FullText()
	saved, err := o.deps.Store.UpdateJob(ctx, id, func(j *models.Job) error {
		j.Transcript = &tr
		j.FullText = full
		j.WordCount = models.WordCount(full)
		j.SegmentsCount = len(tr.Segments)
		j.Language = tr.Language
		j.ModelUsed = o.cfg.Model
		j.Progress = models.ProgressSaving
		return nil
	})
	if err != nil {
		return o.fail(ctx, id, "save", err)
	}

	var archived string
	if o.deps.Archive != nil {
		if archived, err = o.deps.Archive.Store(ctx, saved); err != nil {
			log.Printf("job %s archive failed: %v", id, err)
		}
	}
	if err := o.advance(ctx, id, models.StatusCompleted, models.ProgressDone, func(j *models.Job) {
		now := o.clock.Now().UTC()
		j.CompletedAt = &now
		j.TranscriptPath = archived
	}); err != nil {
		return o.fail(ctx, id, "save", err)
	}
	telemetry.JobsCompleted.Inc()
	log.Printf("job %s completed words=%d segments=%d", id, models.WordCount(full), len(tr.Segments))
	return Result{Success: true, JobID: id}
}

// awaitEntry polls the queue until the entry is terminal or MaxWait elapses.
func (o *Orchestrator) awaitEntry(ctx context.Context, entryID string) (queue.Entry, error) {
	start := o.clock.Now()
	polls := 0
	for {
		polls++
		entry, ok := o.deps.Queue.Status(entryID)
		if !ok {
			return queue.Entry{}, fmt.Errorf("queue entry %s not found", entryID)
		}
		if entry.Status.Terminal() {
			return entry, nil
		}
		if elapsed := o.clock.Now().Sub(start); elapsed >= o.cfg.MaxWait {
			return queue.Entry{}, fmt.Errorf("transcription timed out after %s (%d polls)", elapsed.Round(time.Second), polls)
		}
		if err := clock.Wait(ctx, o.clock, o.cfg.PollInterval); err != nil {
			return queue.Entry{}, fmt.Errorf("waiting for transcription: %w", err)
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, id string, status models.Status, progress int, mutate func(*models.Job)) error {
	_, err := o.deps.Store.UpdateJob(ctx, id, func(j *models.Job) error {
		j.Status = status
		j.Progress = progress
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err == nil {
		log.Printf("job %s status=%s progress=%d", id, status, progress)
	}
	return err
}

// fail records the terminal failure. The write survives ctx cancellation so a
// shutdown mid-pipeline still leaves a terminal job.
func (o *Orchestrator) fail(ctx context.Context, id, stage string, cause error) Result {
	msg := cause.Error()
	if _, err := o.deps.Store.UpdateJob(context.WithoutCancel(ctx), id, func(j *models.Job) error {
		now := o.clock.Now().UTC()
		j.Status = models.StatusFailed
		j.Error = &msg
		j.CompletedAt = &now
		return nil
	}); err != nil {
		log.Printf("job %s record failure: %v", id, err)
	}
	telemetry.JobsFailed.WithLabelValues(stage).Inc()
	log.Printf("job %s failed stage=%s: %s", id, stage, msg)
	return Result{JobID: id, Error: msg}
}

// Get returns the job.
func (o *Orchestrator) Get(ctx context.Context, id string) (models.Job, error) {
	return o.deps.Store.GetJob(ctx, id)
}

// WaitForCompletion polls the store until the job is terminal. It is how a
// caller joins a job it lost a ConflictError race to.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, id string) (models.Job, error) {
	start := o.clock.Now()
	polls := 0
	for {
		polls++
		job, err := o.deps.Store.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if elapsed := o.clock.Now().Sub(start); elapsed >= o.cfg.MaxWait {
			return job, fmt.Errorf("job %s still %s after %s (%d polls)", id, job.Status, elapsed.Round(time.Second), polls)
		}
		if err := clock.Wait(ctx, o.clock, o.cfg.PollInterval); err != nil {
			return job, err
		}
	}
}

// Transcript returns the completed job with its text.
func (o *Orchestrator) Transcript(ctx context.Context, id string) (models.Job, error) {
	job, err := o.deps.Store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusCompleted || job.FullText == "" {
		return job, fmt.Errorf("job %s: %w", id, ErrNotCompleted)
	}
	return job, nil
}

// Summarize generates and stores the summary of a completed job. An existing
// summary yields *ConflictError carrying its id along with the summary.
func (o *Orchestrator) Summarize(ctx context.Context, jobID string) (models.Summary, error) {
	if o.deps.Summarizer == nil || o.deps.Tags == nil {
		return models.Summary{}, errors.New("summarization is not configured")
	}
	job, err := o.Transcript(ctx, jobID)
	if err != nil {
		return models.Summary{}, err
	}
	if existing, found, err := o.deps.Store.SummaryForJob(ctx, jobID); err != nil {
		return models.Summary{}, err
	} else if found {
		return existing, &ConflictError{Resource: "summary", ExistingID: existing.ID}
	}

	resolved := o.deps.Tags.Resolve(job.Tags)
	resp, err := o.deps.Summarizer.Summarize(ctx, summarizer.Request{
		Endpoint:     resolved.APIEndpoint,
		Model:        resolved.Model,
		APIKey:       resolved.APIKey,
		SystemPrompt: resolved.SystemPrompt,
		Text:         job.FullText,
	})
	if err != nil {
		var se *summarizer.StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict && se.ExistingID != "" {
			conflict := &ConflictError{Resource: "summary", ExistingID: se.ExistingID}
			if stored, found, lookupErr := o.deps.Store.SummaryForJob(ctx, jobID); lookupErr == nil && found {
				return stored, conflict
			}
			return models.Summary{ID: se.ExistingID, JobID: jobID}, conflict
		}
		return models.Summary{}, fmt.Errorf("summarize %s: %w", jobID, err)
	}

	sum, existed, err := o.deps.Store.CreateSummary(ctx, models.Summary{
		JobID:            jobID,
		Text:             strings.TrimSpace(resp.Text),
		APIEndpoint:      resolved.APIEndpoint,
		Model:            resolved.Model,
		APIKeyUsed:       resolved.APIKey != "",
		SystemPrompt:     resolved.SystemPrompt,
		ConfigSource:     resolved.ConfigSource,
		TagsAtTime:       job.Tags,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		GenerationMS:     resp.Duration.Milliseconds(),
		CreatedAt:        o.clock.Now().UTC(),
	})
	if err != nil {
		return models.Summary{}, fmt.Errorf("store summary: %w", err)
	}
	if existed {
		return sum, &ConflictError{Resource: "summary", ExistingID: sum.ID}
	}
	telemetry.SummariesGenerated.Inc()
	log.Printf("summary %s created job=%s source=%s", sum.ID, jobID, sum.ConfigSource)
	return sum, nil
}

// SummaryForJob returns the stored summary of a job, if one exists.
func (o *Orchestrator) SummaryForJob(ctx context.Context, jobID string) (models.Summary, bool, error) {
	return o.deps.Store.SummaryForJob(ctx, jobID)
}

// RecordEpisodeSource stores which inbound message produced a job.
func (o *Orchestrator) RecordEpisodeSource(ctx context.Context, src models.EpisodeSource) (models.EpisodeSource, error) {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = o.clock.Now().UTC()
	}
	return o.deps.Store.CreateEpisodeSource(ctx, src)
}

// SweepExpiredAudio deletes cached audio of terminal jobs past their expiry.
func (o *Orchestrator) SweepExpiredAudio(ctx context.Context) (int, error) {
	jobs, err := o.deps.Store.ExpiredAudio(ctx, o.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		if _, err := o.deps.Downloader.Delete(job.ID); err != nil {
			log.Printf("job %s delete audio: %v", job.ID, err)
			continue
		}
		if _, err := o.deps.Store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.AudioPath = ""
			j.AudioCacheExpiry = nil
			return nil
		}); err != nil {
			log.Printf("job %s clear audio path: %v", job.ID, err)
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Printf("swept cached audio for %d jobs", swept)
	}
	return swept, nil
}

// RecoverInterrupted fails jobs a previous process left mid-pipeline. Queue
// entries do not survive a restart, so those jobs can never finish.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := o.deps.Store.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("marked %d interrupted jobs failed", n)
	}
	return n, nil
}
