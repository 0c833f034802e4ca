package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"scribe/internal/command"
	"scribe/internal/models"
)

// YTDLP drives the yt-dlp CLI.
type YTDLP struct {
	path          string
	socketTimeout time.Duration
	runner        command.Runner
}

// NewYTDLP constructs the extractor.
func NewYTDLP(path string, socketTimeout time.Duration) *YTDLP {
	if path == "" {
		path = "yt-dlp"
	}
	return &YTDLP{path: path, socketTimeout: socketTimeout, runner: command.ExecRunner{}}
}

// WithRunner swaps the command runner, used by tests.
func (y *YTDLP) WithRunner(r command.Runner) *YTDLP {
	y.runner = r
	return y
}

type ytdlpInfo struct {
	Title          string  `json:"title"`
	Channel        string  `json:"channel"`
	Uploader       string  `json:"uploader"`
	Duration       float64 `json:"duration"`
	UploadDate     string  `json:"upload_date"`
	Thumbnail      string  `json:"thumbnail"`
	Description    string  `json:"description"`
	Format         string  `json:"format"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
}

func (i ytdlpInfo) metadata() models.Metadata {
	channel := i.Channel
	if channel == "" {
		channel = i.Uploader
	}
	return models.Metadata{
		Title:           i.Title,
		Channel:         channel,
		DurationSeconds: i.Duration,
		UploadDate:      i.UploadDate,
		ThumbnailURL:    i.Thumbnail,
		Description:     i.Description,
		Format:          i.Format,
	}
}

func (i ytdlpInfo) sizeEstimate() int64 {
	if i.Filesize > 0 {
		return int64(i.Filesize)
	}
	return int64(i.FilesizeApprox)
}

// Probe reads media info without downloading.
func (y *YTDLP) Probe(ctx context.Context, url string) (Probe, error) {
	args := append(y.commonArgs(), "--dump-single-json", "--no-download", url)
	info, err := y.run(ctx, args)
	if err != nil {
		return Probe{}, err
	}
	return Probe{SizeEstimate: info.sizeEstimate(), Metadata: info.metadata()}, nil
}

// Fetch downloads the best audio stream and extracts it to m4a.
func (y *YTDLP) Fetch(ctx context.Context, url, outputTemplate string) (models.Metadata, error) {
	args := append(y.commonArgs(),
		"-f", "bestaudio/best",
		"-x", "--audio-format", "m4a",
		"-o", outputTemplate,
		"--no-simulate", "--dump-single-json",
		url,
	)
	info, err := y.run(ctx, args)
	if err != nil {
		return models.Metadata{}, err
	}
	return info.metadata(), nil
}

func (y *YTDLP) commonArgs() []string {
	args := []string{"--no-playlist", "--no-progress"}
	if y.socketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(y.socketTimeout.Seconds())))
	}
	return args
}

func (y *YTDLP) run(ctx context.Context, args []string) (ytdlpInfo, error) {
	res, err := y.runner.Run(ctx, y.path, args...)
	if err != nil {
		if isUnsupportedSignature(res.Stderr) {
			return ytdlpInfo{}, fmt.Errorf("%w: %w", ErrExtractionUnsupported, err)
		}
		return ytdlpInfo{}, err
	}
	var info ytdlpInfo
	if err := json.Unmarshal([]byte(lastJSONLine(res.Stdout)), &info); err != nil {
		return ytdlpInfo{}, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	return info, nil
}

// isUnsupportedSignature recognises yt-dlp's message for a site extractor
// that could not parse the page. yt-dlp exposes no structured error code, so
// this substring match is the one place the heuristic lives.
func isUnsupportedSignature(stderr string) bool {
	return strings.Contains(stderr, "Unable to extract")
}

func lastJSONLine(stdout string) string {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); strings.HasPrefix(line, "{") {
			return line
		}
	}
	return strings.TrimSpace(stdout)
}
