package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"scribe/internal/telemetry"
)

// ErrRateLimited is returned when the limiter refuses a call.
var ErrRateLimited = errors.New("summarization rate limited")

// Limiter gates outbound calls. ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// StatusError is a non-2xx reply from the completion endpoint.
type StatusError struct {
	Code       int
	Body       string
	ExistingID string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned error status %d: %s", e.Code, e.Body)
}

// Request is one summarization call.
type Request struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
	Text         string
}

// Response carries the summary text and usage.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// Client talks to an OpenAI-compatible chat completions API through
// go-openai, configured per call from the request's endpoint and key.
type Client struct {
	http       *http.Client
	limiter    Limiter
	limiterKey string
}

// New builds a client. limiter may be nil.
func New(httpClient *http.Client, limiter Limiter) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{http: httpClient, limiter: limiter, limiterKey: "summarize"}
}

// Summarize sends the transcript text with the system prompt and returns the
// first choice.
func (c *Client) Summarize(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Response{}, errors.New("transcription has no text content")
	}
	if c.limiter != nil {
		allowed, _, err := c.limiter.Allow(ctx, c.limiterKey)
		if err != nil {
			log.Printf("summarizer rate limit check failed, allowing call: %v", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			return Response{}, ErrRateLimited
		}
	}

	cfg := openai.DefaultConfig(req.APIKey)
	cfg.BaseURL = strings.TrimRight(req.Endpoint, "/")
	cfg.HTTPClient = c.http
	api := openai.NewClientWithConfig(cfg)

	started := time.Now()
	resp, err := api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
	})
	if err != nil {
		return Response{}, statusError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("unexpected API response format: no choices")
	}
	return Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(started),
	}, nil
}

// statusError maps client errors carrying an HTTP status onto StatusError.
// A 409 body may name the existing summary.
func statusError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		se := &StatusError{Code: reqErr.HTTPStatusCode, Body: strings.TrimSpace(string(reqErr.Body))}
		if se.Code == http.StatusConflict {
			var conflict struct {
				ExistingID string `json:"existing_id"`
			}
			if json.Unmarshal(reqErr.Body, &conflict) == nil {
				se.ExistingID = conflict.ExistingID
			}
		}
		return se
	}
	return fmt.Errorf("API request failed: %w", err)
}
