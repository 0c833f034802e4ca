package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"scribe/internal/models"
)

// Uploader writes one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Config selects the archive backend. A non-empty Bucket selects S3.
type Config struct {
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// Archive stores finished transcripts as JSON documents.
type Archive struct {
	uploader Uploader
	prefix   string
}

// Document is the archived form of a completed job.
type Document struct {
	ID            string            `json:"id"`
	SourceURL     string            `json:"source_url"`
	SourceType    models.SourceType `json:"source_type"`
	Metadata      models.Metadata   `json:"metadata"`
	Tags          []string          `json:"tags"`
	Language      string            `json:"language"`
	ModelUsed     string            `json:"model_used"`
	WordCount     int               `json:"word_count"`
	Segments      []models.Segment  `json:"segments"`
	FullText      string            `json:"full_text"`
	SourceContext string            `json:"source_context,omitempty"`
	ArchivedAt    time.Time         `json:"archived_at"`
}

// New picks the S3 uploader when a bucket is configured, otherwise a local
// directory.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	prefix := strings.Trim(cfg.Prefix, "/")
	if cfg.Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archive{uploader: &S3{client: client, bucket: cfg.Bucket}, prefix: prefix}, nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "./transcripts"
	}
	return &Archive{uploader: &Local{BaseDir: dir}, prefix: prefix}, nil
}

// WithUploader builds an archive over an arbitrary uploader.
func WithUploader(u Uploader, prefix string) *Archive {
	return &Archive{uploader: u, prefix: strings.Trim(prefix, "/")}
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Store archives the transcript of job and returns where it landed.
func (a *Archive) Store(ctx context.Context, job models.Job) (string, error) {
	if job.Transcript == nil {
		return "", fmt.Errorf("job %s has no transcript", job.ID)
	}
	doc := Document{
		ID:            job.ID,
		SourceURL:     job.SourceURL,
		SourceType:    job.SourceType,
		Metadata:      job.Metadata,
		Tags:          job.Tags,
		Language:      job.Language,
		ModelUsed:     job.ModelUsed,
		WordCount:     job.WordCount,
		Segments:      job.Transcript.Segments,
		FullText:      job.FullText,
		SourceContext: job.SourceContext,
		ArchivedAt:    time.Now().UTC(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript document: %w", err)
	}
	key := sanitizeKey(job.ID + ".json")
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	loc, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, "..", "_")
}

// Local writes objects below BaseDir.
type Local struct {
	BaseDir string
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 writes objects to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
