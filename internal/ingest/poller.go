// Package ingest polls mailboxes for media links and mails back results.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"scribe/internal/clock"
	"scribe/internal/mail"
	"scribe/internal/models"
	"scribe/internal/notify"
	"scribe/internal/orchestrator"
	"scribe/internal/telemetry"
)

// Kind selects how a route's messages are handled.
type Kind string

const (
	KindTranscribe    Kind = "transcribe"
	KindEpisodeSource Kind = "episode_source"
)

// EpisodeTag is the fixed tag of episode source routes.
const EpisodeTag = "digest"

// ErrNoEpisodeURL is reported for episode source messages without a link.
var ErrNoEpisodeURL = errors.New("no Apple Podcasts or YouTube URL found in email")

// Route maps an inbox to its filing folders.
type Route struct {
	Kind  Kind
	Inbox string
	Done  string
	Error string
}

// Mailbox is the IMAP surface the poller needs.
type Mailbox interface {
	FetchUnseen(ctx context.Context, folder string) ([]mail.Message, error)
	MarkSeen(ctx context.Context, folder string, uid uint32) error
	Move(ctx context.Context, folder string, uid uint32, dest string) error
	Close() error
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, to []string, subject, text, html string) error
}

// Pipeline is the orchestrator surface the poller drives.
type Pipeline interface {
	ProcessURL(ctx context.Context, url string, jobTags []string) (orchestrator.Result, error)
	WaitForCompletion(ctx context.Context, id string) (models.Job, error)
	Transcript(ctx context.Context, id string) (models.Job, error)
	Summarize(ctx context.Context, jobID string) (models.Summary, error)
	SummaryForJob(ctx context.Context, jobID string) (models.Summary, bool, error)
	RecordEpisodeSource(ctx context.Context, src models.EpisodeSource) (models.EpisodeSource, error)
}

// Tags resolves subject tags and their destinations.
type Tags interface {
	FromSubject(subject, def string) string
	Destinations(tag string) []string
}

type Config struct {
	Routes            []Route
	PollInterval      time.Duration
	MaxConcurrentJobs int
	DefaultTag        string
	ResultAddress     string
	ReturnAddress     string
}

type Deps struct {
	Mailbox   Mailbox
	Sender    Sender
	Pipeline  Pipeline
	Tags      Tags
	Extractor *Extractor
	Formatter *notify.Formatter
}

// Poller runs the ingestion loop.
type Poller struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
}

func New(deps Deps, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.DefaultTag == "" {
		cfg.DefaultTag = "highlights"
	}
	if deps.Extractor == nil {
		deps.Extractor = NewExtractor(nil)
	}
	if deps.Formatter == nil {
		deps.Formatter = notify.New()
	}
	return &Poller{cfg: cfg, deps: deps, clock: clock.Real()}
}

func (p *Poller) WithClock(c clock.Clock) *Poller {
	p.clock = c
	return p
}

// Run polls until ctx is cancelled. Messages already dispatched finish
// before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		if err := p.deps.Mailbox.Close(); err != nil {
			log.Printf("close mailbox: %v", err)
		}
	}()
	log.Printf("ingest poller started routes=%d interval=%s concurrency=%d", len(p.cfg.Routes), p.cfg.PollInterval, p.cfg.MaxConcurrentJobs)
	for {
		p.Tick(ctx)
		if err := clock.Wait(ctx, p.clock, p.cfg.PollInterval); err != nil {
			log.Printf("ingest poller stopped")
			return nil
		}
	}
}

// Tick fetches every route once and waits for the dispatched messages.
func (p *Poller) Tick(ctx context.Context) {
	sem := make(chan struct{}, p.cfg.MaxConcurrentJobs)
	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	for _, route := range p.cfg.Routes {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.deps.Mailbox.FetchUnseen(ctx, route.Inbox)
		if err != nil {
			log.Printf("fetch %s: %v", route.Inbox, err)
			continue
		}
		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if err := p.deps.Mailbox.MarkSeen(ctx, route.Inbox, msg.UID); err != nil {
				log.Printf("mark seen uid=%d in %s: %v", msg.UID, route.Inbox, err)
				<-sem
				continue
			}
			wg.Add(1)
			go func(route Route, msg mail.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				p.handle(work, route, msg)
			}(route, msg)
		}
	}
}

func (p *Poller) handle(ctx context.Context, route Route, msg mail.Message) {
	telemetry.MessagesInFlight.Inc()
	defer telemetry.MessagesInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic handling uid=%d in %s: %v", msg.UID, route.Inbox, r)
			telemetry.MessagesProcessed.WithLabelValues("panic").Inc()
		}
	}()

	if msg.Err != nil {
		log.Printf("unreadable uid=%d in %s filed to %s: %v", msg.UID, route.Inbox, route.Error, msg.Err)
		p.file(ctx, route, msg, false)
		telemetry.MessagesProcessed.WithLabelValues("unparseable").Inc()
		return
	}

	episode := route.Kind == KindEpisodeSource
	accept := Transcribable
	tag := p.deps.Tags.FromSubject(msg.Subject, p.cfg.DefaultTag)
	if episode {
		accept = EpisodeURL
		tag = EpisodeTag
	}
	to := p.recipients(route, msg, tag)
	log.Printf("processing uid=%d folder=%s from=%s tag=%s", msg.UID, route.Inbox, msg.From, tag)

	candidates := p.deps.Extractor.Candidates(ctx, msg.Text, msg.HTML, accept, episode)
	if len(candidates) == 0 {
		email := p.deps.Formatter.NoURLs()
		if episode {
			email = p.deps.Formatter.Error("(none)", ErrNoEpisodeURL.Error())
		}
		p.send(ctx, to, email)
		p.file(ctx, route, msg, false)
		telemetry.MessagesProcessed.WithLabelValues("no_urls").Inc()
		return
	}

	outcome, job := p.tryCandidates(ctx, candidates, tag)
	if !outcome.Success {
		p.send(ctx, to, p.deps.Formatter.Error(outcome.URL, outcome.Error))
		p.file(ctx, route, msg, false)
		telemetry.MessagesProcessed.WithLabelValues("failed").Inc()
		return
	}

	if episode {
		if _, err := p.deps.Pipeline.RecordEpisodeSource(ctx, models.EpisodeSource{
			JobID:        job.ID,
			SourceText:   PlainText(msg.Text, msg.HTML),
			MatchedURL:   outcome.URL,
			EmailSubject: msg.Subject,
			EmailFrom:    msg.From,
		}); err != nil {
			log.Printf("record episode source job=%s: %v", job.ID, err)
		}
	}
	p.send(ctx, to, p.deps.Formatter.Success(outcome))
	p.file(ctx, route, msg, true)
	telemetry.MessagesProcessed.WithLabelValues("completed").Inc()
}

// tryCandidates runs candidates in order until one succeeds. On exhaustion
// the outcome carries the first candidate and the last error.
func (p *Poller) tryCandidates(ctx context.Context, candidates []Candidate, tag string) (notify.Outcome, models.Job) {
	lastErr := errors.New("all URLs failed")
	for _, c := range candidates {
		job, err := p.transcribe(ctx, c.URL, tag)
		if err != nil {
			log.Printf("candidate %s (%s) failed: %v", c.URL, c.Provenance, err)
			lastErr = err
			continue
		}
		duration := job.Metadata.DurationSeconds
		if duration == 0 && job.Transcript != nil {
			duration = job.Transcript.Duration
		}
		return notify.Outcome{
			URL:             c.URL,
			Success:         true,
			Title:           job.Metadata.Title,
			Summary:         p.summary(ctx, job.ID),
			Transcript:      job.FullText,
			DurationSeconds: duration,
			CreatorNotes:    job.SourceContext,
		}, job
	}
	return notify.Outcome{URL: candidates[0].URL, Error: lastErr.Error()}, models.Job{}
}

// transcribe returns the completed job for url, joining an existing job
// when the URL was already submitted.
func (p *Poller) transcribe(ctx context.Context, url, tag string) (models.Job, error) {
	res, err := p.deps.Pipeline.ProcessURL(ctx, url, []string{tag})
	var conflict *orchestrator.ConflictError
	switch {
	case errors.As(err, &conflict):
		log.Printf("joining existing job %s for %s", conflict.ExistingID, url)
		job, err := p.deps.Pipeline.WaitForCompletion(ctx, conflict.ExistingID)
		if err != nil {
			return models.Job{}, err
		}
		if job.Status != models.StatusCompleted {
			if job.Error != nil {
				return models.Job{}, errors.New(*job.Error)
			}
			return models.Job{}, fmt.Errorf("job %s ended %s", job.ID, job.Status)
		}
		res.JobID = job.ID
	case err != nil:
		return models.Job{}, err
	case !res.Success:
		return models.Job{}, errors.New(res.Error)
	}
	return p.deps.Pipeline.Transcript(ctx, res.JobID)
}

func (p *Poller) summary(ctx context.Context, jobID string) string {
	sum, err := p.deps.Pipeline.Summarize(ctx, jobID)
	var conflict *orchestrator.ConflictError
	if err != nil && !errors.As(err, &conflict) {
		log.Printf("summarize job=%s: %v", jobID, err)
		return "Summary unavailable: " + err.Error()
	}
	if sum.Text == "" && conflict != nil {
		stored, found, err := p.deps.Pipeline.SummaryForJob(ctx, jobID)
		if err != nil {
			log.Printf("load summary job=%s: %v", jobID, err)
		} else if found {
			sum = stored
		}
	}
	if sum.Text == "" {
		return "Summary unavailable."
	}
	return sum.Text
}

func (p *Poller) recipients(route Route, msg mail.Message, tag string) []string {
	if dest := p.deps.Tags.Destinations(tag); len(dest) > 0 {
		return dest
	}
	if route.Kind == KindEpisodeSource && p.cfg.ReturnAddress != "" {
		return []string{p.cfg.ReturnAddress}
	}
	if msg.From != "" {
		return []string{msg.From}
	}
	if p.cfg.ResultAddress != "" {
		return []string{p.cfg.ResultAddress}
	}
	return nil
}

func (p *Poller) send(ctx context.Context, to []string, email notify.Email) {
	if len(to) == 0 {
		log.Printf("no recipient for %q", email.Subject)
		return
	}
	if err := p.deps.Sender.Send(ctx, to, email.Subject, email.Text, email.HTML); err != nil {
		log.Printf("send %q: %v", email.Subject, err)
		return
	}
	telemetry.NotificationsSent.Inc()
}

func (p *Poller) file(ctx context.Context, route Route, msg mail.Message, ok bool) {
	dest := route.Error
	if ok {
		dest = route.Done
	}
	if dest == "" {
		return
	}
	if err := p.deps.Mailbox.Move(ctx, route.Inbox, msg.UID, dest); err != nil {
		log.Printf("move uid=%d %s -> %s: %v", msg.UID, route.Inbox, dest, err)
	}
}
