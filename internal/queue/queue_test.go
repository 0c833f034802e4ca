package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/internal/models"
	"scribe/internal/speech"
)

type fakeEngine struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release chan struct{}
	fail    map[string]error
	panics  map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		started: make(chan string, 16),
		fail:    map[string]error{},
		panics:  map[string]bool{},
	}
}

func (f *fakeEngine) Transcribe(ctx context.Context, req speech.Request) (models.Transcript, error) {
	f.mu.Lock()
	f.order = append(f.order, req.AudioPath)
	f.mu.Unlock()
	f.started <- req.AudioPath
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Transcript{}, ctx.Err()
		}
	}
	if f.panics[req.AudioPath] {
		panic("boom")
	}
	if err := f.fail[req.AudioPath]; err != nil {
		return models.Transcript{}, err
	}
	return models.Transcript{
		Language: "en",
		Duration: 3,
		Segments: []models.Segment{{Start: 0, End: 3, Text: "hi " + req.AudioPath}},
		Text:     "hi " + req.AudioPath,
	}, nil
}

func waitFor(t *testing.T, q *Queue, id string, want EntryStatus) Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := q.Status(id); ok && e.Status == want {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	e, _ := q.Status(id)
	t.Fatalf("entry %s did not reach %s, last status %s", id, want, e.Status)
	return Entry{}
}

func TestQueueFIFOAndPositions(t *testing.T) {
	engine := newFakeEngine()
	q := New(engine, Config{Capacity: 3})

	ids := make([]string, 0, 3)
	for _, p := range []string{"a.m4a", "b.m4a", "c.m4a"} {
		id, err := q.Submit(context.Background(), p, Options{})
		if err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		pos, ok := q.Position(id)
		if !ok || pos != i {
			t.Fatalf("expected position %d for entry %d got %d ok=%v", i, i, pos, ok)
		}
	}

	q.Start(context.Background())
	defer q.Stop()

	for _, id := range ids {
		e := waitFor(t, q, id, EntryCompleted)
		if e.Progress != 100 || e.Result == nil {
			t.Fatalf("completed entry missing result: %+v", e)
		}
		if _, ok := q.Position(id); ok {
			t.Fatalf("position should be unavailable once entry left queued")
		}
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	want := []string{"a.m4a", "b.m4a", "c.m4a"}
	for i := range want {
		if engine.order[i] != want[i] {
			t.Fatalf("expected FIFO order %v got %v", want, engine.order)
		}
	}
}

func TestQueueFull(t *testing.T) {
	engine := newFakeEngine()
	engine.release = make(chan struct{})
	q := New(engine, Config{Capacity: 1})
	q.Start(context.Background())
	defer q.Stop()

	first, err := q.Submit(context.Background(), "a.m4a", Options{})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-engine.started
	waitFor(t, q, first, EntryProcessing)

	if _, err := q.Submit(context.Background(), "b.m4a", Options{}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if _, err := q.Submit(context.Background(), "c.m4a", Options{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull got %v", err)
	}
	if stats := q.Stats(); stats.Total != 2 || stats.Processing != 1 || stats.Queued != 1 {
		t.Fatalf("rejected entry should not be recorded: %+v", stats)
	}
	close(engine.release)
}

func TestQueueFailureDoesNotStopWorker(t *testing.T) {
	engine := newFakeEngine()
	engine.fail["bad.m4a"] = errors.New("decoder exploded")
	engine.panics["panic.m4a"] = true
	q := New(engine, Config{Capacity: 5})
	q.Start(context.Background())
	defer q.Stop()

	bad, _ := q.Submit(context.Background(), "bad.m4a", Options{})
	pan, _ := q.Submit(context.Background(), "panic.m4a", Options{})
	good, _ := q.Submit(context.Background(), "good.m4a", Options{})

	if e := waitFor(t, q, bad, EntryFailed); e.Error != "decoder exploded" {
		t.Fatalf("expected engine error verbatim got %q", e.Error)
	}
	waitFor(t, q, pan, EntryFailed)
	waitFor(t, q, good, EntryCompleted)
}

func TestQueueRejectsInvalidTask(t *testing.T) {
	q := New(newFakeEngine(), Config{})
	if _, err := q.Submit(context.Background(), "a.m4a", Options{Task: "dance"}); err == nil {
		t.Fatalf("expected invalid task error")
	}
}

func TestQueuePrune(t *testing.T) {
	q := New(newFakeEngine(), Config{Capacity: 2, Retention: time.Hour})
	q.Start(context.Background())
	id, _ := q.Submit(context.Background(), "a.m4a", Options{})
	e := waitFor(t, q, id, EntryCompleted)
	q.Stop()

	if n := q.Prune(e.CompletedAt.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("entry inside retention should be kept, removed %d", n)
	}
	if n := q.Prune(e.CompletedAt.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned got %d", n)
	}
	if _, ok := q.Status(id); ok {
		t.Fatalf("pruned entry still present")
	}
}

func TestQueueStopFailsLeftoverEntries(t *testing.T) {
	engine := newFakeEngine()
	engine.release = make(chan struct{})
	q := New(engine, Config{Capacity: 3})
	q.Start(context.Background())

	first, err := q.Submit(context.Background(), "a.m4a", Options{})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-engine.started
	waitFor(t, q, first, EntryProcessing)
	second, err := q.Submit(context.Background(), "b.m4a", Options{})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return")
	}

	for _, id := range []string{first, second} {
		e, _ := q.Status(id)
		if e.Status != EntryFailed || e.CompletedAt == nil {
			t.Fatalf("entry %s should be failed after stop, got %s", id, e.Status)
		}
		if !strings.Contains(e.Error, ErrQueueStopped.Error()) {
			t.Fatalf("entry %s error should name the stop, got %q", id, e.Error)
		}
	}
	if len(engine.order) != 1 {
		t.Fatalf("queued entry must not reach the engine, order=%v", engine.order)
	}
	if _, err := q.Submit(context.Background(), "c.m4a", Options{}); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("expected ErrQueueStopped after stop got %v", err)
	}
	if stats := q.Stats(); stats.Queued != 0 || stats.Depth != 0 {
		t.Fatalf("nothing may stay queued after stop: %+v", stats)
	}
}
