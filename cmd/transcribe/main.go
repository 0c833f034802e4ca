// transcribe runs URLs through the download and transcription pipeline
// once, using an in-memory store, and prints each job as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/pflag"

	"scribe/internal/config"
	"scribe/internal/downloader"
	"scribe/internal/models"
	"scribe/internal/orchestrator"
	"scribe/internal/queue"
	"scribe/internal/speech"
	"scribe/internal/store"
	"scribe/internal/summarizer"
	"scribe/internal/tags"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type output struct {
	Job     any    `json:"job"`
	Summary any    `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

func run() error {
	var tagList string
	var summarize bool

	flagSet := pflag.NewFlagSet("transcribe", pflag.ContinueOnError)
	flagSet.StringVar(&tagList, "tags", "", "comma separated tags applied to every job")
	flagSet.BoolVar(&summarize, "summarize", false, "summarize each completed transcript")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	urls := flagSet.Args()
	if len(urls) == 0 {
		return errors.New("usage: transcribe [--tags a,b] [--summarize] URL...")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	registry, err := tags.Load(cfg.TagsFile)
	if err != nil {
		return err
	}
	dl, err := downloader.New(cfg.AudioCacheDir, cfg.MaxDownloadBytes,
		downloader.NewYTDLP(cfg.Tools.YTDLPPath, cfg.Tools.SocketTimeout),
		downloader.NewPageScraper(nil, cfg.Tools.ScrapeRetries))
	if err != nil {
		return err
	}
	q := queue.New(speech.NewWhisper(cfg.Tools.FFmpegPath, cfg.Tools.WhisperPath, cfg.Tools.ModelDir, cfg.Model),
		queue.Config{Capacity: cfg.QueueCapacity, Retention: cfg.QueueRetention})
	q.Start(ctx)
	defer q.Stop()

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store.NewMemory(),
		Downloader: dl,
		Queue:      q,
		Summarizer: summarizer.New(nil, nil),
		Tags:       registry,
	}, orchestrator.Config{
		PollInterval: cfg.JobPollInterval,
		MaxWait:      cfg.JobMaxWait,
		Model:        cfg.Model,
		Language:     cfg.Language,
	})

	var jobTags []string
	if tagList != "" {
		jobTags = strings.Split(tagList, ",")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	failed := 0
	for _, url := range urls {
		out := output{}
		res, err := orch.ProcessURL(ctx, url, jobTags)
		var conflict *orchestrator.ConflictError
		if errors.As(err, &conflict) {
			_, err = orch.WaitForCompletion(ctx, conflict.ExistingID)
		}
		switch {
		case err != nil:
			out.Error = err.Error()
		case !res.Success && !res.Existing:
			out.Error = res.Error
		}
		if job, getErr := orch.Get(ctx, res.JobID); getErr == nil {
			out.Job = job
			if out.Error == "" && job.Status == models.StatusFailed && job.Error != nil {
				out.Error = *job.Error
			}
		}
		if out.Error == "" && summarize {
			sum, err := orch.Summarize(ctx, res.JobID)
			if err != nil && !errors.As(err, &conflict) {
				out.Error = err.Error()
			} else {
				out.Summary = sum
			}
		}
		if out.Error != "" {
			failed++
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d URLs failed", failed, len(urls))
	}
	return nil
}
