package downloader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"scribe/internal/models"
	"scribe/internal/source"
	"scribe/internal/telemetry"
)

// ErrExtractionUnsupported marks an extractor failure caused by the
// extractor not understanding the page, as opposed to network or size
// problems. Only this failure triggers the page scraping fallback.
var ErrExtractionUnsupported = errors.New("extraction unsupported")

// Probe is what the extractor reports before any transfer.
type Probe struct {
	SizeEstimate int64
	Metadata     models.Metadata
}

// Extractor is the media extraction backend.
type Extractor interface {
	Probe(ctx context.Context, url string) (Probe, error)
	Fetch(ctx context.Context, url, outputTemplate string) (models.Metadata, error)
}

// Page is what the fallback scraper found on a source page.
type Page struct {
	AudioURL  string
	Title     string
	ShowNotes string
	Strategy  string
}

// Scraper finds a direct audio link on a source page.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (Page, error)
}

// Attempt tags which step produced a result or failure.
type Attempt string

const (
	AttemptPrimary  Attempt = "primary"
	AttemptFallback Attempt = "fallback"
)

// Kind classifies download failures.
type Kind string

const (
	KindTooLarge Kind = "too_large"
	KindExtract  Kind = "extract"
	KindNotFound Kind = "not_found"
	KindScrape   Kind = "scrape"
)

// Error is a typed download failure.
type Error struct {
	Attempt Attempt
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Attempt == AttemptFallback {
		return fmt.Sprintf("fallback download failed: %v", e.Err)
	}
	return fmt.Sprintf("download failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful download.
type Result struct {
	AudioPath     string
	SizeBytes     int64
	Metadata      models.Metadata
	Via           Attempt
	SourceContext string
}

// audioExtensions are the container suffixes the extractor may leave behind.
var audioExtensions = []string{"m4a", "mp3", "webm", "opus", "wav", "aac"}

// Downloader fetches audio into a local cache directory.
type Downloader struct {
	cacheDir  string
	maxBytes  int64
	extractor Extractor
	scraper   Scraper
}

// New constructs a downloader. The cache directory is created if missing.
func New(cacheDir string, maxBytes int64, extractor Extractor, scraper Scraper) (*Downloader, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	return &Downloader{
		cacheDir:  cacheDir,
		maxBytes:  maxBytes,
		extractor: extractor,
		scraper:   scraper,
	}, nil
}

// Download runs the primary extractor and, only for podcast directory pages
// whose extractor failure is ErrExtractionUnsupported, the scraping fallback.
func (d *Downloader) Download(ctx context.Context, url, jobID string) (Result, error) {
	res, err := d.fetch(ctx, url, jobID)
	if err == nil {
		res.Via = AttemptPrimary
		log.Printf("downloaded %s to %s (%.1f MB)", url, res.AudioPath, megabytes(res.SizeBytes))
		return res, nil
	}
	err.Attempt = AttemptPrimary
	if !shouldFallback(url, err) {
		log.Printf("download %s failed: %v", url, err)
		return Result{}, err
	}

	log.Printf("primary extractor failed for %s, trying page fallback: %v", url, err.Err)
	telemetry.DownloadFallbacks.Inc()
	return d.fallback(ctx, url, jobID)
}

func (d *Downloader) fallback(ctx context.Context, url, jobID string) (Result, error) {
	if d.scraper == nil {
		return Result{}, &Error{Attempt: AttemptFallback, Kind: KindScrape, Err: errors.New("no page scraper configured")}
	}
	page, err := d.scraper.Scrape(ctx, url)
	if err != nil {
		return Result{}, &Error{Attempt: AttemptFallback, Kind: KindScrape, Err: err}
	}
	if page.AudioURL == "" {
		return Result{}, &Error{Attempt: AttemptFallback, Kind: KindScrape, Err: errors.New("could not extract audio url from podcast page")}
	}

	log.Printf("page fallback found audio url via %s", page.Strategy)
	res, ferr := d.fetch(ctx, page.AudioURL, jobID)
	if ferr != nil {
		ferr.Attempt = AttemptFallback
		return Result{}, ferr
	}
	if page.Title != "" {
		res.Metadata.Title = page.Title
	}
	res.Via = AttemptFallback
	res.SourceContext = page.ShowNotes
	log.Printf("downloaded %s via fallback to %s (%.1f MB)", url, res.AudioPath, megabytes(res.SizeBytes))
	return res, nil
}

// shouldFallback is true only for the podcast directory family and only for
// an unsupported-extraction failure.
func shouldFallback(url string, err *Error) bool {
	return source.IsApplePodcasts(url) && err.Kind == KindExtract && errors.Is(err.Err, ErrExtractionUnsupported)
}

// fetch is one extractor pass: size estimate check, transfer, on-disk check.
func (d *Downloader) fetch(ctx context.Context, url, jobID string) (Result, *Error) {
	probe, err := d.extractor.Probe(ctx, url)
	if err != nil {
		return Result{}, &Error{Kind: KindExtract, Err: err}
	}
	if d.maxBytes > 0 && probe.SizeEstimate > d.maxBytes {
		return Result{}, &Error{Kind: KindTooLarge, Err: fmt.Errorf(
			"file size (%.1f MB) exceeds maximum allowed size (%.0f MB)",
			megabytes(probe.SizeEstimate), megabytes(d.maxBytes))}
	}

	template := filepath.Join(d.cacheDir, jobID+".%(ext)s")
	meta, err := d.extractor.Fetch(ctx, url, template)
	if err != nil {
		return Result{}, &Error{Kind: KindExtract, Err: err}
	}

	path, info, ok := d.find(jobID)
	if !ok {
		return Result{}, &Error{Kind: KindNotFound, Err: fmt.Errorf("downloaded audio file not found for %s", jobID)}
	}
	if d.maxBytes > 0 && info.Size() > d.maxBytes {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Printf("remove oversized %s: %v", path, rmErr)
		}
		return Result{}, &Error{Kind: KindTooLarge, Err: fmt.Errorf(
			"downloaded file size (%.1f MB) exceeds maximum allowed size (%.0f MB)",
			megabytes(info.Size()), megabytes(d.maxBytes))}
	}
	if meta.Title == "" {
		meta = mergeMetadata(meta, probe.Metadata)
	}
	return Result{AudioPath: path, SizeBytes: info.Size(), Metadata: meta}, nil
}

func (d *Downloader) find(jobID string) (string, os.FileInfo, bool) {
	for _, ext := range audioExtensions {
		path := filepath.Join(d.cacheDir, jobID+"."+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, info, true
		}
	}
	return "", nil, false
}

// Delete removes the cached audio for jobID. It reports whether a file was
// removed.
func (d *Downloader) Delete(jobID string) (bool, error) {
	path, _, ok := d.find(jobID)
	if !ok {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("delete audio %s: %w", path, err)
	}
	log.Printf("deleted cached audio %s", path)
	return true, nil
}

func mergeMetadata(primary, fallback models.Metadata) models.Metadata {
	if primary.Title == "" {
		primary.Title = fallback.Title
	}
	if primary.Channel == "" {
		primary.Channel = fallback.Channel
	}
	if primary.DurationSeconds == 0 {
		primary.DurationSeconds = fallback.DurationSeconds
	}
	if primary.UploadDate == "" {
		primary.UploadDate = fallback.UploadDate
	}
	if primary.ThumbnailURL == "" {
		primary.ThumbnailURL = fallback.ThumbnailURL
	}
	if primary.Description == "" {
		primary.Description = fallback.Description
	}
	if primary.Format == "" {
		primary.Format = fallback.Format
	}
	return primary
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
