package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"scribe/internal/api"
	"scribe/internal/archive"
	"scribe/internal/config"
	"scribe/internal/downloader"
	"scribe/internal/ingest"
	"scribe/internal/mail"
	"scribe/internal/notify"
	"scribe/internal/orchestrator"
	"scribe/internal/queue"
	"scribe/internal/ratelimit"
	"scribe/internal/speech"
	"scribe/internal/store"
	"scribe/internal/summarizer"
	"scribe/internal/tags"
	"scribe/internal/telemetry"
	"scribe/internal/worker"
)

type jobStore interface {
	orchestrator.JobStore
	Ping(ctx context.Context) error
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st := openStore(ctx, cfg)
	defer st.Close()

	registry, err := tags.Load(cfg.TagsFile)
	if err != nil {
		log.Fatalf("load tags: %v", err)
	}

	var limiter *ratelimit.TokenBucket
	var summaryLimiter summarizer.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
		summaryLimiter = limiter
	}

	arch, err := archive.New(ctx, archive.Config{
		Dir:       cfg.Archive.Dir,
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		Endpoint:  cfg.Archive.Endpoint,
		PathStyle: cfg.Archive.PathStyle,
		Prefix:    cfg.Archive.Prefix,
	})
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}

	dl, err := downloader.New(cfg.AudioCacheDir, cfg.MaxDownloadBytes,
		downloader.NewYTDLP(cfg.Tools.YTDLPPath, cfg.Tools.SocketTimeout),
		downloader.NewPageScraper(nil, cfg.Tools.ScrapeRetries))
	if err != nil {
		log.Fatalf("init downloader: %v", err)
	}

	engine := speech.NewWhisper(cfg.Tools.FFmpegPath, cfg.Tools.WhisperPath, cfg.Tools.ModelDir, cfg.Model)
	q := queue.New(engine, queue.Config{
		Capacity:      cfg.QueueCapacity,
		Retention:     cfg.QueueRetention,
		PruneInterval: cfg.QueuePruneInterval,
	})
	q.Start(context.WithoutCancel(ctx))

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Downloader: dl,
		Queue:      q,
		Summarizer: summarizer.New(nil, summaryLimiter),
		Tags:       registry,
		Archive:    arch,
	}, orchestrator.Config{
		PollInterval:  cfg.JobPollInterval,
		MaxWait:       cfg.JobMaxWait,
		AudioCacheTTL: cfg.AudioCacheTTL,
		Model:         cfg.Model,
		Language:      cfg.Language,
	}).WithBackground(context.WithoutCancel(ctx))

	if _, err := orch.RecoverInterrupted(ctx); err != nil {
		log.Printf("recover interrupted jobs: %v", err)
	}

	maintenance := worker.NewProcessor(cfg.MaintenanceInterval)
	maintenance.RegisterTask("queue_prune", func(context.Context) error {
		if n := q.Prune(time.Now()); n > 0 {
			log.Printf("pruned %d queue entries", n)
		}
		return nil
	})
	maintenance.RegisterTask("audio_sweep", func(ctx context.Context) error {
		_, err := orch.SweepExpiredAudio(ctx)
		return err
	})
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		_ = maintenance.Run(ctx)
	}()

	pollerDone := make(chan struct{})
	if cfg.Mail.Enabled() {
		go func() {
			defer close(pollerDone)
			_ = newPoller(cfg, orch, registry).Run(ctx)
		}()
	} else {
		close(pollerDone)
		log.Printf("IMAP_HOST not set, mailbox ingestion disabled")
	}

	apiDeps := api.Deps{Pipeline: orch, Queue: q, Tags: registry, Store: st, Model: engine.ModelName()}
	if limiter != nil {
		apiDeps.Limiter = limiter
	}
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(apiDeps).Router(),
	}
	go func() {
		log.Printf("api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	<-maintenanceDone

	drained := make(chan struct{})
	go func() {
		<-pollerDone
		orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.DrainTimeout):
		log.Printf("in-flight work still running after %s, stopping transcription queue", cfg.DrainTimeout)
	}
	q.Stop()
	<-drained
}

func openStore(ctx context.Context, cfg config.Config) jobStore {
	if cfg.PostgresDSN == "" {
		log.Printf("POSTGRES_DSN not set, using in-memory store")
		return store.NewMemory()
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	return st
}

func newPoller(cfg config.Config, orch *orchestrator.Orchestrator, registry *tags.Registry) *ingest.Poller {
	m := cfg.Mail
	routes := []ingest.Route{{Kind: ingest.KindTranscribe, Inbox: m.InboxFolder, Done: m.DoneFolder, Error: m.ErrorFolder}}
	if m.EpisodeInbox != "" {
		routes = append(routes, ingest.Route{Kind: ingest.KindEpisodeSource, Inbox: m.EpisodeInbox, Done: m.EpisodeDone, Error: m.EpisodeError})
	}
	return ingest.New(ingest.Deps{
		Mailbox: mail.NewMailbox(mail.IMAPConfig{
			Host:     m.IMAPHost,
			Port:     m.IMAPPort,
			User:     m.IMAPUser,
			Password: m.IMAPPassword,
			TLS:      m.IMAPSSL,
		}),
		Sender: mail.NewSender(mail.SMTPConfig{
			Host:     m.SMTPHost,
			Port:     m.SMTPPort,
			User:     m.SMTPUser,
			Password: m.SMTPPassword,
			TLS:      m.SMTPTLS,
			From:     m.FromAddress,
		}),
		Pipeline:  orch,
		Tags:      registry,
		Extractor: ingest.NewExtractor(nil),
		Formatter: notify.New(),
	}, ingest.Config{
		Routes:            routes,
		PollInterval:      m.PollInterval,
		MaxConcurrentJobs: m.MaxConcurrentJobs,
		DefaultTag:        m.DefaultTag,
		ResultAddress:     m.ResultAddress,
		ReturnAddress:     m.ReturnAddress,
	})
}
