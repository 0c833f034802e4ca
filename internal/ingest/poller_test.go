package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scribe/internal/mail"
	"scribe/internal/models"
	"scribe/internal/notify"
	"scribe/internal/orchestrator"
)

type fakeMailbox struct {
	mu     sync.Mutex
	unseen map[string][]mail.Message
	seen   []uint32
	moves  map[uint32]string
	closed bool
}

func newFakeMailbox(folder string, msgs ...mail.Message) *fakeMailbox {
	return &fakeMailbox{unseen: map[string][]mail.Message{folder: msgs}, moves: map[uint32]string{}}
}

func (m *fakeMailbox) FetchUnseen(_ context.Context, folder string) ([]mail.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.unseen[folder]
	m.unseen[folder] = nil
	return msgs, nil
}

func (m *fakeMailbox) MarkSeen(_ context.Context, _ string, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, uid)
	return nil
}

func (m *fakeMailbox) Move(ctx context.Context, _ string, uid uint32, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves[uid] = dest
	return nil
}

func (m *fakeMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type sentMail struct {
	to      []string
	subject string
	text    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (s *fakeSender) Send(ctx context.Context, to []string, subject, text, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMail{to: to, subject: subject, text: text})
	return nil
}

type fakePipeline struct {
	mu       sync.Mutex
	fail     map[string]string
	conflict map[string]string
	jobs     map[string]models.Job
	sources  []models.EpisodeSource
	delay    time.Duration
	entered  chan struct{}
	gate     chan struct{}
	stored   map[string]models.Summary
	inFlight int32
	maxSeen  int32
	calls    int32
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		fail:     map[string]string{},
		conflict: map[string]string{},
		jobs:     map[string]models.Job{},
		stored:   map[string]models.Summary{},
	}
}

func (p *fakePipeline) ProcessURL(ctx context.Context, url string, _ []string) (orchestrator.Result, error) {
	atomic.AddInt32(&p.calls, 1)
	cur := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&p.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&p.maxSeen, prev, cur) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	if err := ctx.Err(); err != nil {
		return orchestrator.Result{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.conflict[url]; ok {
		return orchestrator.Result{JobID: id, Existing: true}, &orchestrator.ConflictError{Resource: "job", ExistingID: id}
	}
	id := fmt.Sprintf("job_%d", len(p.jobs)+1)
	if msg, ok := p.fail[url]; ok {
		return orchestrator.Result{JobID: id, Error: msg}, nil
	}
	p.jobs[id] = models.Job{
		ID:        id,
		SourceURL: url,
		Status:    models.StatusCompleted,
		FullText:  "transcript of " + url,
		Metadata:  models.Metadata{Title: "Episode", DurationSeconds: 90},
	}
	return orchestrator.Result{Success: true, JobID: id}, nil
}

func (p *fakePipeline) WaitForCompletion(ctx context.Context, id string) (models.Job, error) {
	return p.Transcript(ctx, id)
}

func (p *fakePipeline) Transcript(_ context.Context, id string) (models.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return job, nil
}

func (p *fakePipeline) Summarize(_ context.Context, jobID string) (models.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stored, ok := p.stored[jobID]; ok {
		return models.Summary{ID: stored.ID, JobID: jobID}, &orchestrator.ConflictError{Resource: "summary", ExistingID: stored.ID}
	}
	return models.Summary{ID: "sum_1", JobID: jobID, Text: "short summary"}, nil
}

func (p *fakePipeline) SummaryForJob(_ context.Context, jobID string) (models.Summary, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.stored[jobID]
	return stored, ok, nil
}

func (p *fakePipeline) RecordEpisodeSource(_ context.Context, src models.EpisodeSource) (models.EpisodeSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, src)
	return src, nil
}

type fakeTags struct {
	known map[string][]string
}

func (f fakeTags) FromSubject(subject, def string) string {
	for _, w := range strings.Fields(strings.ToLower(subject)) {
		if _, ok := f.known[w]; ok {
			return w
		}
	}
	return def
}

func (f fakeTags) Destinations(tag string) []string { return f.known[tag] }

var transcribeRoute = Route{Kind: KindTranscribe, Inbox: "ToScribe", Done: "ScribeDone", Error: "ScribeError"}

func newPoller(mb *fakeMailbox, sender *fakeSender, pipe *fakePipeline, cfg Config) *Poller {
	if cfg.Routes == nil {
		cfg.Routes = []Route{transcribeRoute}
	}
	return New(Deps{
		Mailbox:   mb,
		Sender:    sender,
		Pipeline:  pipe,
		Tags:      fakeTags{known: map[string][]string{"research": {"team@example.com"}}},
		Formatter: notify.New(),
	}, cfg)
}

func TestTickRespectsConcurrencyLimit(t *testing.T) {
	var msgs []mail.Message
	for i := 1; i <= 6; i++ {
		msgs = append(msgs, mail.Message{UID: uint32(i), From: "a@example.com", Text: fmt.Sprintf("https://cdn.example.com/%d.mp3", i)})
	}
	mb := newFakeMailbox("ToScribe", msgs...)
	pipe := newFakePipeline()
	pipe.delay = 20 * time.Millisecond

	newPoller(mb, &fakeSender{}, pipe, Config{MaxConcurrentJobs: 2}).Tick(context.Background())

	if got := atomic.LoadInt32(&pipe.maxSeen); got > 2 {
		t.Fatalf("concurrency limit exceeded: %d", got)
	}
	if got := atomic.LoadInt32(&pipe.calls); got != 6 {
		t.Fatalf("expected 6 messages processed got %d", got)
	}
	if len(mb.seen) != 6 || len(mb.moves) != 6 {
		t.Fatalf("expected all messages seen and filed, seen=%d moves=%d", len(mb.seen), len(mb.moves))
	}
}

func TestSecondCandidateSucceeds(t *testing.T) {
	first, second := "https://cdn.example.com/broken.mp3", "https://cdn.example.com/good.mp3"
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 7, From: "a@example.com", Subject: "Research notes", Text: first + " " + second})
	sender := &fakeSender{}
	pipe := newFakePipeline()
	pipe.fail[first] = "download failed: 404"

	newPoller(mb, sender, pipe, Config{}).Tick(context.Background())

	if mb.moves[7] != "ScribeDone" {
		t.Fatalf("expected message filed to done, got %q", mb.moves[7])
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one notification got %d", len(sender.sent))
	}
	sent := sender.sent[0]
	if !strings.Contains(sent.text, "Source: "+second) || !strings.Contains(sent.text, "short summary") {
		t.Fatalf("notification should report the successful URL:\n%s", sent.text)
	}
	if len(sent.to) != 1 || sent.to[0] != "team@example.com" {
		t.Fatalf("expected tag destination recipients got %v", sent.to)
	}
}

func TestAllCandidatesFailReportsFirstURL(t *testing.T) {
	first, second := "https://cdn.example.com/a.mp3", "https://cdn.example.com/b.mp3"
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 3, From: "a@example.com", Text: first + "\n" + second})
	sender := &fakeSender{}
	pipe := newFakePipeline()
	pipe.fail[first] = "first failure"
	pipe.fail[second] = "second failure"

	newPoller(mb, sender, pipe, Config{}).Tick(context.Background())

	if mb.moves[3] != "ScribeError" {
		t.Fatalf("expected error folder got %q", mb.moves[3])
	}
	text := sender.sent[0].text
	if !strings.Contains(text, first) || !strings.Contains(text, "Error: second failure") {
		t.Fatalf("unexpected error notification:\n%s", text)
	}
	if sender.sent[0].to[0] != "a@example.com" {
		t.Fatalf("expected reply to sender got %v", sender.sent[0].to)
	}
}

func TestNoCandidatesFilesToErrorFolder(t *testing.T) {
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 9, From: "a@example.com", Text: "nothing to see at https://example.com/page"})
	sender := &fakeSender{}
	pipe := newFakePipeline()

	newPoller(mb, sender, pipe, Config{}).Tick(context.Background())

	if mb.moves[9] != "ScribeError" {
		t.Fatalf("expected error folder got %q", mb.moves[9])
	}
	if len(sender.sent) != 1 || sender.sent[0].subject != "[Scribe Error] No transcribable URLs found" {
		t.Fatalf("expected no-urls notification got %+v", sender.sent)
	}
	if pipe.calls != 0 {
		t.Fatalf("pipeline should not run")
	}
}

func TestConflictJoinsExistingJob(t *testing.T) {
	url := "https://cdn.example.com/known.mp3"
	pipe := newFakePipeline()
	pipe.jobs["direct_audio_known"] = models.Job{ID: "direct_audio_known", Status: models.StatusCompleted, FullText: "earlier transcript"}
	pipe.conflict[url] = "direct_audio_known"
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 1, From: "a@example.com", Text: url})
	sender := &fakeSender{}

	newPoller(mb, sender, pipe, Config{}).Tick(context.Background())

	if mb.moves[1] != "ScribeDone" || !strings.Contains(sender.sent[0].text, "earlier transcript") {
		t.Fatalf("expected existing job result, moves=%v sent=%+v", mb.moves, sender.sent)
	}
}

func TestEpisodeSourceRoute(t *testing.T) {
	route := Route{Kind: KindEpisodeSource, Inbox: "EpisodeSources", Done: "EpisodeSourcesDone", Error: "EpisodeSourcesError"}
	url := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	mb := newFakeMailbox("EpisodeSources",
		mail.Message{UID: 1, From: "news@example.com", Subject: "Weekly", Text: "direct https://cdn.example.com/a.mp3 and " + url},
		mail.Message{UID: 2, From: "news@example.com", Subject: "Weekly", Text: "no links"},
	)
	sender := &fakeSender{}
	pipe := newFakePipeline()

	newPoller(mb, sender, pipe, Config{Routes: []Route{route}, ReturnAddress: "me@example.com", MaxConcurrentJobs: 1}).Tick(context.Background())

	if mb.moves[1] != "EpisodeSourcesDone" || mb.moves[2] != "EpisodeSourcesError" {
		t.Fatalf("unexpected filing %v", mb.moves)
	}
	if len(pipe.sources) != 1 || pipe.sources[0].MatchedURL != url || pipe.sources[0].EmailSubject != "Weekly" {
		t.Fatalf("unexpected episode sources %+v", pipe.sources)
	}
	for _, s := range sender.sent {
		if s.to[0] != "me@example.com" {
			t.Fatalf("episode notifications go to the return address, got %v", s.to)
		}
	}
}

func TestRunStopsAndClosesMailbox(t *testing.T) {
	mb := newFakeMailbox("ToScribe")
	p := newPoller(mb, &fakeSender{}, newFakePipeline(), Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop")
	}
	if !mb.closed {
		t.Fatalf("mailbox not closed")
	}
}

func TestCancelDuringHandleStillFilesAndNotifies(t *testing.T) {
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 9, From: "a@example.com", Text: "https://cdn.example.com/ep.mp3"})
	sender := &fakeSender{}
	pipe := newFakePipeline()
	pipe.entered = make(chan struct{}, 1)
	pipe.gate = make(chan struct{})
	p := newPoller(mb, sender, pipe, Config{MaxConcurrentJobs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Tick(ctx)
		close(done)
	}()
	<-pipe.entered
	cancel()
	close(pipe.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick did not return after the dispatched message finished")
	}
	if mb.moves[9] != "ScribeDone" {
		t.Fatalf("dispatched message should be filed as done, got %q", mb.moves[9])
	}
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0].subject, "[Scribe] ") {
		t.Fatalf("expected one success notification, got %+v", sender.sent)
	}
}

func TestSummaryConflictUsesStoredSummary(t *testing.T) {
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 1, From: "a@example.com", Text: "https://cdn.example.com/ep.mp3"})
	sender := &fakeSender{}
	pipe := newFakePipeline()
	pipe.stored["job_1"] = models.Summary{ID: "sum_old", JobID: "job_1", Text: "the earlier summary"}

	newPoller(mb, sender, pipe, Config{MaxConcurrentJobs: 1}).Tick(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected one notification got %d", len(sender.sent))
	}
	if body := sender.sent[0].text; !strings.Contains(body, "the earlier summary") || strings.Contains(body, "Summary unavailable") {
		t.Fatalf("notification should carry the stored summary: %q", body)
	}
}

func TestUnparseableMessageFiledWithoutProcessing(t *testing.T) {
	mb := newFakeMailbox("ToScribe", mail.Message{UID: 4, Folder: "ToScribe", Err: errors.New("malformed MIME header line")})
	sender := &fakeSender{}
	pipe := newFakePipeline()

	newPoller(mb, sender, pipe, Config{MaxConcurrentJobs: 1}).Tick(context.Background())

	if len(mb.seen) != 1 || mb.seen[0] != 4 {
		t.Fatalf("unparseable message must be marked seen, seen=%v", mb.seen)
	}
	if mb.moves[4] != "ScribeError" {
		t.Fatalf("unparseable message should be filed to the error folder, got %q", mb.moves[4])
	}
	if atomic.LoadInt32(&pipe.calls) != 0 || len(sender.sent) != 0 {
		t.Fatalf("unparseable message must not be processed or answered, calls=%d sent=%d", pipe.calls, len(sender.sent))
	}
}
