package models

import (
	"strings"
	"time"
)

// Status enumerates job lifecycle states persisted in the job store.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Progress checkpoints reported at each stage boundary.
const (
	ProgressPending      = 0
	ProgressDownloading  = 10
	ProgressTranscribing = 50
	ProgressSaving       = 90
	ProgressDone         = 100
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusDownloading:  1,
	StatusTranscribing: 2,
	StatusCompleted:    3,
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same non-terminal status is allowed so progress can advance
// within a stage.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] >= statusRank[from]
}

// SourceType identifies the platform family a URL belongs to.
type SourceType string

const (
	SourceYouTube       SourceType = "youtube"
	SourceApplePodcasts SourceType = "apple_podcasts"
	SourceDirectAudio   SourceType = "direct_audio"
	SourceUnsupported   SourceType = "unsupported"
)

// Metadata describes downloaded media.
type Metadata struct {
	Title           string  `json:"title,omitempty"`
	Channel         string  `json:"channel,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	UploadDate      string  `json:"upload_date,omitempty"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
	Description     string  `json:"description,omitempty"`
	Format          string  `json:"format,omitempty"`
}

// Segment is one timed span of a transcript. Times are in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the structured output of the speech engine.
type Transcript struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
}

// FullText joins the trimmed segment texts with single spaces.
func (t Transcript) FullText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Job is the unit of work tracked from URL submission to a terminal state.
type Job struct {
	ID               string      `json:"id"`
	SourceURL        string      `json:"source_url"`
	SourceType       SourceType  `json:"source_type"`
	Status           Status      `json:"status"`
	Progress         int         `json:"progress"`
	Metadata         Metadata    `json:"metadata"`
	Error            *string     `json:"error,omitempty"`
	Tags             []string    `json:"tags"`
	AudioPath        string      `json:"audio_path,omitempty"`
	AudioCacheExpiry *time.Time  `json:"audio_cache_expiry,omitempty"`
	Transcript       *Transcript `json:"transcript,omitempty"`
	FullText         string      `json:"full_text,omitempty"`
	WordCount        int         `json:"word_count"`
	SegmentsCount    int         `json:"segments_count"`
	Language         string      `json:"language,omitempty"`
	ModelUsed        string      `json:"model_used,omitempty"`
	TranscriptPath   string      `json:"transcript_path,omitempty"`
	SourceContext    string      `json:"source_context,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Summary is a generated summary for a completed job.
type Summary struct {
	ID               string    `json:"id"`
	JobID            string    `json:"transcription_id"`
	Text             string    `json:"summary_text"`
	APIEndpoint      string    `json:"api_endpoint"`
	Model            string    `json:"model"`
	APIKeyUsed       bool      `json:"api_key_used"`
	SystemPrompt     string    `json:"system_prompt"`
	ConfigSource     string    `json:"config_source"`
	TagsAtTime       []string  `json:"tags_at_time"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	GenerationMS     int64     `json:"generation_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// EpisodeSource attributes a completed job to the inbound message it came from.
type EpisodeSource struct {
	ID           string    `json:"id"`
	JobID        string    `json:"transcription_id"`
	SourceText   string    `json:"source_text"`
	MatchedURL   string    `json:"matched_url"`
	EmailSubject string    `json:"email_subject,omitempty"`
	EmailFrom    string    `json:"email_from,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
