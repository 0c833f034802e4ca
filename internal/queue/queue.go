package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"scribe/internal/clock"
	"scribe/internal/models"
	"scribe/internal/speech"
	"scribe/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("transcription queue is full")
	// ErrQueueStopped fails entries left behind by Stop and refuses later submits.
	ErrQueueStopped = errors.New("transcription queue stopped")
)

// EntryStatus enumerates queue-local lifecycle states.
type EntryStatus string

const (
	EntryQueued     EntryStatus = "queued"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// Terminal reports whether the entry has finished.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// Engine is the speech-to-text backend. Calls are serialised by the queue.
type Engine interface {
	Transcribe(ctx context.Context, req speech.Request) (models.Transcript, error)
}

// Options are per-entry transcription settings.
type Options struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Task     string `json:"task,omitempty"`
}

// Entry is one audio file awaiting or undergoing transcription.
type Entry struct {
	ID          string             `json:"job_id"`
	AudioPath   string             `json:"audio_path"`
	Options     Options            `json:"options"`
	Status      EntryStatus        `json:"status"`
	Progress    int                `json:"progress"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Result      *models.Transcript `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`

	seq uint64
}

// Stats summarises queue state.
type Stats struct {
	Total      int    `json:"total_jobs"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	CurrentJob string `json:"current_job,omitempty"`
	Depth      int    `json:"queue_size"`
	Capacity   int    `json:"queue_max_size"`
}

// Config sets queue limits.
type Config struct {
	Capacity      int
	Retention     time.Duration
	PruneInterval time.Duration
}

// Queue is a bounded FIFO with exactly one worker. The engine owns a single
// compute resource, so entries are transcribed strictly one at a time in
// submission order.
type Queue struct {
	engine  Engine
	cfg     Config
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*Entry
	pending chan string
	current string
	nextSeq uint64

	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New constructs a stopped queue.
func New(engine Engine, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 5 * time.Minute
	}
	return &Queue{
		engine:  engine,
		cfg:     cfg,
		clock:   clock.Real(),
		entries: make(map[string]*Entry),
		pending: make(chan string, cfg.Capacity),
	}
}

// WithClock swaps the clock used for timestamps and pruning.
func (q *Queue) WithClock(c clock.Clock) *Queue {
	q.clock = c
	return q
}

// Start launches the worker. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.stopped = false
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go q.pruneLoop(ctx)
	go func() {
		defer close(done)
		q.work(ctx)
	}()
	log.Printf("transcription queue started capacity=%d retention=%s", q.cfg.Capacity, q.cfg.Retention)
}

// Stop cancels the worker and waits for it to exit. The in-flight entry sees
// a cancelled context and fails; entries still queued fail with
// ErrQueueStopped so pollers see a terminal state at once. Submit is refused
// until the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	if cancel != nil {
		q.stopped = true
	}
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	abandoned := q.failPending()
	log.Printf("transcription queue stopped abandoned=%d", abandoned)
}

// failPending drains the pending channel once the worker has exited.
func (q *Queue) failPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		select {
		case id := <-q.pending:
			if q.abandonLocked(id) {
				n++
			}
		default:
			telemetry.QueueDepthGauge.Set(0)
			return n
		}
	}
}

func (q *Queue) abandonLocked(id string) bool {
	e, ok := q.entries[id]
	if !ok || e.Status != EntryQueued {
		return false
	}
	finished := q.clock.Now().UTC()
	e.Status = EntryFailed
	e.Error = ErrQueueStopped.Error()
	e.CompletedAt = &finished
	telemetry.TranscriptionFailures.Inc()
	return true
}

// Submit records a new entry and returns its id. When the queue is at
// capacity nothing is recorded and ErrQueueFull is returned.
func (q *Queue) Submit(_ context.Context, audioPath string, opts Options) (string, error) {
	if audioPath == "" {
		return "", errors.New("audio path is required")
	}
	if opts.Task == "" {
		opts.Task = "transcribe"
	}
	if opts.Task != "transcribe" && opts.Task != "translate" {
		return "", fmt.Errorf("invalid task %q", opts.Task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrQueueStopped
	}

	id := uuid.New().String()
	q.nextSeq++
	entry := &Entry{
		ID:        id,
		AudioPath: audioPath,
		Options:   opts,
		Status:    EntryQueued,
		CreatedAt: q.clock.Now().UTC(),
		seq:       q.nextSeq,
	}
	select {
	case q.pending <- id:
	default:
		telemetry.QueueRejects.Inc()
		log.Printf("transcription queue full depth=%d", len(q.pending))
		return "", ErrQueueFull
	}
	q.entries[id] = entry
	telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
	log.Printf("queue entry %s submitted audio=%s", id, audioPath)
	return id, nil
}

// Status returns a snapshot of the entry.
func (q *Queue) Status(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Position returns how many still-queued entries were submitted strictly
// before id. It reports false once the entry has left the queued state.
func (q *Queue) Position(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.Status != EntryQueued {
		return 0, false
	}
	pos := 0
	for _, other := range q.entries {
		if other.Status == EntryQueued && other.seq < e.seq {
			pos++
		}
	}
	return pos, true
}

// Stats returns counts per state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Total:      len(q.entries),
		CurrentJob: q.current,
		Depth:      len(q.pending),
		Capacity:   q.cfg.Capacity,
	}
	for _, e := range q.entries {
		switch e.Status {
		case EntryQueued:
			s.Queued++
		case EntryProcessing:
			s.Processing++
		case EntryCompleted:
			s.Completed++
		case EntryFailed:
			s.Failed++
		}
	}
	return s
}

// Prune removes terminal entries that finished before now minus the
// retention window. It returns the number removed.
func (q *Queue) Prune(now time.Time) int {
	cutoff := now.Add(-q.cfg.Retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, e := range q.entries {
		if e.Status.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(q.entries, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("pruned %d finished queue entries", removed)
	}
	return removed
}

func (q *Queue) pruneLoop(ctx context.Context) {
	for {
		if err := clock.Wait(ctx, q.clock, q.cfg.PruneInterval); err != nil {
			return
		}
		q.Prune(q.clock.Now())
	}
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
			if ctx.Err() != nil {
				q.mu.Lock()
				q.abandonLocked(id)
				q.mu.Unlock()
				return
			}
			q.process(ctx, id)
		}
	}
}

func (q *Queue) process(ctx context.Context, id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		log.Printf("queue entry %s not found", id)
		return
	}
	started := q.clock.Now().UTC()
	e.Status = EntryProcessing
	e.StartedAt = &started
	q.current = id
	req := speech.Request{
		AudioPath: e.AudioPath,
		Model:     e.Options.Model,
		Language:  e.Options.Language,
		Task:      e.Options.Task,
	}
	q.mu.Unlock()

	log.Printf("queue entry %s processing", id)
	telemetry.TranscriptionsInFlight.Inc()
	result, err := q.transcribe(ctx, req)
	telemetry.TranscriptionsInFlight.Dec()
	telemetry.TranscriptionDuration.Observe(time.Since(started).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()
	finished := q.clock.Now().UTC()
	e.CompletedAt = &finished
	q.current = ""
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrQueueStopped, err)
	}
	if err != nil {
		e.Status = EntryFailed
		e.Error = err.Error()
		telemetry.TranscriptionFailures.Inc()
		log.Printf("queue entry %s failed: %v", id, err)
		return
	}
	e.Status = EntryCompleted
	e.Progress = 100
	e.Result = &result
	telemetry.TranscriptionsCompleted.Inc()
	log.Printf("queue entry %s completed segments=%d duration=%.1fs", id, len(result.Segments), result.Duration)
}

// transcribe shields the worker from a panicking engine.
func (q *Queue) transcribe(ctx context.Context, req speech.Request) (tr models.Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return q.engine.Transcribe(ctx, req)
}
