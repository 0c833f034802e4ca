package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"scribe/internal/command"
	"scribe/internal/models"
)

// Request is one transcription call.
type Request struct {
	AudioPath string
	Model     string
	Language  string
	Task      string
}

// Whisper runs ffmpeg preprocessing and whisper.cpp transcription.
type Whisper struct {
	FFmpegPath   string
	WhisperPath  string
	ModelDir     string
	DefaultModel string
	runner       command.Runner
	mkdirTemp    func(dir, pattern string) (string, error)
	removeAll    func(path string) error
	readFile     func(name string) ([]byte, error)
}

// NewWhisper constructs the production engine.
func NewWhisper(ffmpegPath, whisperPath, modelDir, defaultModel string) *Whisper {
	return &Whisper{
		FFmpegPath:   ffmpegPath,
		WhisperPath:  whisperPath,
		ModelDir:     modelDir,
		DefaultModel: defaultModel,
		runner:       command.ExecRunner{},
		mkdirTemp:    os.MkdirTemp,
		removeAll:    os.RemoveAll,
		readFile:     os.ReadFile,
	}
}

// WithRunner swaps the command runner, used by tests.
func (w *Whisper) WithRunner(r command.Runner) *Whisper {
	w.runner = r
	return w
}

// ModelName returns the model used when a request does not set one.
func (w *Whisper) ModelName() string { return w.DefaultModel }

// Transcribe converts the input to 16 kHz mono WAV and runs whisper.cpp with
// JSON output.
func (w *Whisper) Transcribe(ctx context.Context, req Request) (models.Transcript, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return models.Transcript{}, fmt.Errorf("audio path is required")
	}
	model := req.Model
	if model == "" {
		model = w.DefaultModel
	}

	tempDir, err := w.mkdirTemp("", "scribe-whisper-*")
	if err != nil {
		return models.Transcript{}, fmt.Errorf("create workspace: %w", err)
	}
	defer func() { _ = w.removeAll(tempDir) }()

	wavPath := filepath.Join(tempDir, "audio-16k-mono.wav")
	if _, err := w.runner.Run(ctx, w.FFmpegPath, ffmpegArgs(req.AudioPath, wavPath)...); err != nil {
		return models.Transcript{}, fmt.Errorf("ffmpeg conversion: %w", err)
	}

	outBase := filepath.Join(tempDir, "transcript")
	args := whisperArgs(w.modelPath(model), wavPath, outBase, req.Language, req.Task)
	if _, err := w.runner.Run(ctx, w.WhisperPath, args...); err != nil {
		return models.Transcript{}, fmt.Errorf("whisper transcription: %w", err)
	}

	raw, err := w.readFile(outBase + ".json")
	if err != nil {
		return models.Transcript{}, fmt.Errorf("read whisper output: %w", err)
	}
	tr, err := parseWhisperJSON(raw)
	if err != nil {
		return models.Transcript{}, err
	}
	if tr.Language == "" {
		tr.Language = normalizeLanguage(req.Language)
	}
	if tr.Language == "" {
		tr.Language = "unknown"
	}
	return tr, nil
}

func (w *Whisper) modelPath(model string) string {
	if strings.ContainsRune(model, filepath.Separator) || strings.HasSuffix(model, ".bin") {
		return model
	}
	return filepath.Join(w.ModelDir, "ggml-"+model+".bin")
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// parseWhisperJSON converts whisper.cpp -oj output. Offsets are milliseconds;
// duration is the end of the last segment.
func parseWhisperJSON(raw []byte) (models.Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Transcript{}, fmt.Errorf("decode whisper output: %w", err)
	}
	tr := models.Transcript{
		Language: out.Result.Language,
		Segments: make([]models.Segment, 0, len(out.Transcription)),
	}
	for i, seg := range out.Transcription {
		tr.Segments = append(tr.Segments, models.Segment{
			ID:    i,
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  seg.Text,
		})
	}
	if n := len(tr.Segments); n > 0 {
		tr.Duration = tr.Segments[n-1].End
	}
	tr.Text = tr.FullText()
	return tr, nil
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func ffmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func whisperArgs(modelPath, audioPath, outBase, language, task string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	} else {
		args = append(args, "-l", "auto")
	}
	if task == "translate" {
		args = append(args, "-tr")
	}
	return args
}
