package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"scribe/internal/clock"
)

// Task is one periodic maintenance job.
type Task func(ctx context.Context) error

type registered struct {
	name     string
	task     Task
	failures int
	nextRun  time.Time
}

// Processor drives periodic maintenance: retention prune of the queue and
// cached audio expiry. A failing task is retried with jittered exponential
// backoff instead of waiting a full interval.
type Processor struct {
	interval       time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	clock          clock.Clock

	mu    sync.Mutex
	tasks []*registered
}

func NewProcessor(interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Processor{
		interval:       interval,
		backoffInitial: 2 * time.Second,
		backoffMax:     interval,
		clock:          clock.Real(),
	}
}

func (p *Processor) WithClock(c clock.Clock) *Processor {
	p.clock = c
	return p
}

// RegisterTask adds a task that first runs on the next RunOnce.
func (p *Processor) RegisterTask(name string, task Task) {
	if name == "" || task == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, &registered{name: name, task: task})
}

// Run executes due tasks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log.Printf("maintenance started interval=%s tasks=%d", p.interval, len(p.tasks))
	for {
		next := p.RunOnce(ctx)
		wait := next.Sub(p.clock.Now())
		if wait < time.Second {
			wait = time.Second
		}
		if err := clock.Wait(ctx, p.clock, wait); err != nil {
			return err
		}
	}
}

// RunOnce runs every due task and returns when the next one is due.
func (p *Processor) RunOnce(ctx context.Context) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	earliest := now.Add(p.interval)
	for _, t := range p.tasks {
		if ctx.Err() != nil {
			break
		}
		if !t.nextRun.IsZero() && now.Before(t.nextRun) {
			if t.nextRun.Before(earliest) {
				earliest = t.nextRun
			}
			continue
		}
		if err := runTask(ctx, t); err != nil {
			t.failures++
			t.nextRun = now.Add(backoffWithJitter(p.backoffInitial, p.backoffMax, t.failures))
			log.Printf("maintenance task %s failed attempts=%d next_run=%s: %v", t.name, t.failures, t.nextRun.UTC().Format(time.RFC3339), err)
		} else {
			t.failures = 0
			t.nextRun = now.Add(p.interval)
		}
		if t.nextRun.Before(earliest) {
			earliest = t.nextRun
		}
	}
	return earliest
}

func runTask(ctx context.Context, t *registered) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{name: t.name, value: r}
		}
	}()
	return t.task(ctx)
}

type panicError struct {
	name  string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.name, e.value)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
