package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"scribe/internal/models"
)

// Postgres wraps pgxpool for durable job state.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, source_url, source_type, status, progress, metadata, error, tags,
	audio_path, audio_cache_expiry, transcript, full_text, word_count, segments_count,
	language, model_used, transcript_path, source_context, created_at, updated_at,
	started_at, completed_at`

// CreateJob inserts a new job. When a job with the same source url already
// exists it returns that job and true.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	if existing, found, err := s.FindBySourceURL(ctx, job.SourceURL); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	args, err := jobArgs(job)
	if err != nil {
		return models.Job{}, false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT DO NOTHING
	`, args...)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race on id or source_url after the initial check.
		existing, found, err := s.FindBySourceURL(ctx, job.SourceURL)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			existing, err = s.GetJob(ctx, job.ID)
			if err != nil {
				return models.Job{}, false, fmt.Errorf("insert conflict but no existing job: %w", err)
			}
		}
		return existing, true, nil
	}
	return job, false, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// FindBySourceURL looks up the job that owns url.
func (s *Postgres) FindBySourceURL(ctx context.Context, url string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE source_url = $1`, url)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// UpdateJob applies fn to the stored job under a row lock and writes the
// result. Illegal status or progress changes are refused.
func (s *Postgres) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	before, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, err
	}
	after := before
	if err := fn(&after); err != nil {
		return models.Job{}, err
	}
	if err := checkUpdate(before, after); err != nil {
		return models.Job{}, err
	}
	after.UpdatedAt = time.Now().UTC()

	args, err := jobArgs(after)
	if err != nil {
		return models.Job{}, err
	}
	// Drop created_at; the remaining positions line up with the SET list.
	args = append(args[:18:18], args[19:]...)
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET
			source_type = $3, status = $4, progress = $5, metadata = $6, error = $7, tags = $8,
			audio_path = $9, audio_cache_expiry = $10, transcript = $11, full_text = $12,
			word_count = $13, segments_count = $14, language = $15, model_used = $16,
			transcript_path = $17, source_context = $18, updated_at = $19,
			started_at = $20, completed_at = $21
		WHERE id = $1 AND source_url = $2
	`, args...); err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return after, nil
}

// FailInterrupted marks every non-terminal job failed with msg. It returns the
// number of jobs changed.
func (s *Postgres) FailInterrupted(ctx context.Context, msg string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, updated_at = NOW(), completed_at = NOW()
		WHERE status IN ($3, $4, $5)
	`, models.StatusFailed, msg, models.StatusPending, models.StatusDownloading, models.StatusTranscribing)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpiredAudio lists jobs whose cached audio expired at or before now.
func (s *Postgres) ExpiredAudio(ctx context.Context, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE audio_path IS NOT NULL AND audio_cache_expiry IS NOT NULL AND audio_cache_expiry <= $1
		ORDER BY audio_cache_expiry
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired audio: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CreateSummary inserts a summary. An existing summary for the same job is
// returned with true instead.
func (s *Postgres) CreateSummary(ctx context.Context, sum models.Summary) (models.Summary, bool, error) {
	if sum.ID == "" {
		sum.ID = NewSummaryID()
	}
	tags, err := json.Marshal(nonNilTags(sum.TagsAtTime))
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("marshal tags: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO summaries (id, job_id, summary_text, api_endpoint, model, api_key_used, system_prompt,
			config_source, tags_at_time, prompt_tokens, completion_tokens, generation_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO NOTHING
	`, sum.ID, sum.JobID, sum.Text, sum.APIEndpoint, sum.Model, sum.APIKeyUsed, sum.SystemPrompt,
		sum.ConfigSource, tags, sum.PromptTokens, sum.CompletionTokens, sum.GenerationMS, sum.CreatedAt)
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("insert summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, found, err := s.SummaryForJob(ctx, sum.JobID)
		if err != nil {
			return models.Summary{}, false, err
		}
		if !found {
			return models.Summary{}, false, errors.New("summary conflict but no existing summary found")
		}
		return existing, true, nil
	}
	return sum, false, nil
}

// SummaryForJob returns the summary of jobID if one exists.
func (s *Postgres) SummaryForJob(ctx context.Context, jobID string) (models.Summary, bool, error) {
	var sum models.Summary
	var tags []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, summary_text, api_endpoint, model, api_key_used, system_prompt, config_source,
			tags_at_time, prompt_tokens, completion_tokens, generation_ms, created_at
		FROM summaries WHERE job_id = $1
	`, jobID).Scan(&sum.ID, &sum.JobID, &sum.Text, &sum.APIEndpoint, &sum.Model, &sum.APIKeyUsed,
		&sum.SystemPrompt, &sum.ConfigSource, &tags, &sum.PromptTokens, &sum.CompletionTokens,
		&sum.GenerationMS, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Summary{}, false, nil
	}
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("scan summary: %w", err)
	}
	if err := json.Unmarshal(tags, &sum.TagsAtTime); err != nil {
		return models.Summary{}, false, fmt.Errorf("unmarshal summary tags: %w", err)
	}
	return sum, true, nil
}

// CreateEpisodeSource stores a source attribution record.
func (s *Postgres) CreateEpisodeSource(ctx context.Context, src models.EpisodeSource) (models.EpisodeSource, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO episode_sources (id, job_id, source_text, matched_url, email_subject, email_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, src.ID, src.JobID, src.SourceText, src.MatchedURL, emptyToNil(src.EmailSubject), emptyToNil(src.EmailFrom), src.CreatedAt)
	if err != nil {
		return models.EpisodeSource{}, fmt.Errorf("insert episode source: %w", err)
	}
	return src, nil
}

func jobArgs(job models.Job) ([]any, error) {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(job.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	var transcript []byte
	if job.Transcript != nil {
		if transcript, err = json.Marshal(job.Transcript); err != nil {
			return nil, fmt.Errorf("marshal transcript: %w", err)
		}
	}
	return []any{
		job.ID, job.SourceURL, string(job.SourceType), string(job.Status), job.Progress, meta, job.Error, tags,
		emptyToNil(job.AudioPath), job.AudioCacheExpiry, transcript, emptyToNil(job.FullText),
		job.WordCount, job.SegmentsCount, emptyToNil(job.Language), emptyToNil(job.ModelUsed),
		emptyToNil(job.TranscriptPath), emptyToNil(job.SourceContext), job.CreatedAt, job.UpdatedAt,
		job.StartedAt, job.CompletedAt,
	}, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var sourceType, status string
	var meta, tags, transcript []byte
	var errText, audioPath, fullText, language, modelUsed, transcriptPath, sourceContext pgtype.Text

	if err := row.Scan(&job.ID, &job.SourceURL, &sourceType, &status, &job.Progress, &meta, &errText, &tags,
		&audioPath, &job.AudioCacheExpiry, &transcript, &fullText, &job.WordCount, &job.SegmentsCount,
		&language, &modelUsed, &transcriptPath, &sourceContext, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.SourceType = models.SourceType(sourceType)
	job.Status = models.Status(status)
	job.Error = textPtr(errText)
	job.AudioPath = audioPath.String
	job.FullText = fullText.String
	job.Language = language.String
	job.ModelUsed = modelUsed.String
	job.TranscriptPath = transcriptPath.String
	job.SourceContext = sourceContext.String

	if err := json.Unmarshal(meta, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(tags, &job.Tags); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(transcript) > 0 {
		var tr models.Transcript
		if err := json.Unmarshal(transcript, &tr); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
		job.Transcript = &tr
	}
	return job, nil
}

// NewSummaryID returns a sum_ prefixed id with 12 hex characters.
func NewSummaryID() string {
	id := uuid.New()
	return fmt.Sprintf("sum_%x", id[:6])
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
