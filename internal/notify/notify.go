// Package notify formats pipeline outcomes into result emails.
package notify

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"

	"scribe/internal/clock"
)

const (
	titleLimit      = 100
	timestampLayout = "2006-01-02 15:04 UTC"
)

// Outcome is what the poller learned about one message.
type Outcome struct {
	URL             string
	Success         bool
	Title           string
	Summary         string
	Transcript      string
	DurationSeconds float64
	Error           string
	CreatorNotes    string
}

// Email is a rendered notification.
type Email struct {
	Subject string
	Text    string
	HTML    string
}

// Formatter renders Outcomes. Timestamps come from its clock.
type Formatter struct {
	clock clock.Clock
	md    goldmark.Markdown
}

func New() *Formatter {
	return &Formatter{clock: clock.Real(), md: goldmark.New()}
}

func (f *Formatter) WithClock(c clock.Clock) *Formatter {
	f.clock = c
	return f
}

func (f *Formatter) stamp() string {
	return f.clock.Now().UTC().Format(timestampLayout)
}

// Success renders a completed transcription.
func (f *Formatter) Success(o Outcome) Email {
	title := o.Title
	if title == "" {
		title = "Transcription"
	}
	if len([]rune(title)) > titleLimit {
		title = string([]rune(title)[:titleLimit]) + "..."
	}
	ts := f.stamp()
	duration := FormatDuration(o.DurationSeconds)

	var text strings.Builder
	fmt.Fprintf(&text, "Source: %s\nDuration: %s\nTranscribed: %s\n\n", o.URL, duration, ts)
	if o.CreatorNotes != "" {
		fmt.Fprintf(&text, "--- CREATOR NOTES ---\n\n%s\n\n", o.CreatorNotes)
	}
	fmt.Fprintf(&text, "--- SUMMARY ---\n\n%s\n\n--- TRANSCRIPT ---\n\n%s\n", o.Summary, o.Transcript)

	var body strings.Builder
	fmt.Fprintf(&body, "<p><strong>Source:</strong> <a href=\"%s\">%s</a><br>\n", html.EscapeString(o.URL), html.EscapeString(o.URL))
	fmt.Fprintf(&body, "<strong>Duration:</strong> %s<br>\n<strong>Transcribed:</strong> %s</p>\n", duration, ts)
	if o.CreatorNotes != "" {
		fmt.Fprintf(&body, "<h2>Creator notes</h2>\n<pre>%s</pre>\n", html.EscapeString(o.CreatorNotes))
	}
	body.WriteString("<h2>Summary</h2>\n")
	body.WriteString(f.markdown(o.Summary))
	fmt.Fprintf(&body, "<h2>Transcript</h2>\n<pre style=\"white-space: pre-wrap\">%s</pre>\n", html.EscapeString(o.Transcript))

	return Email{Subject: "[Scribe] " + title, Text: text.String(), HTML: wrap(body.String())}
}

// Error renders a failed URL.
func (f *Formatter) Error(url, errMsg string) Email {
	ts := f.stamp()
	text := fmt.Sprintf("The following URL could not be transcribed:\n\n%s\n\nError: %s\n\n---\nOriginal request received: %s\n", url, errMsg, ts)
	body := fmt.Sprintf("<p>The following URL could not be transcribed:</p>\n<p>%s</p>\n<p><strong>Error:</strong> %s</p>\n<hr>\n<p>Original request received: %s</p>\n",
		html.EscapeString(url), html.EscapeString(errMsg), ts)
	return Email{Subject: "[Scribe Error] Failed to process URL", Text: text, HTML: wrap(body)}
}

// NoURLs renders the reply for a message without any usable link.
func (f *Formatter) NoURLs() Email {
	ts := f.stamp()
	text := "Your email did not contain any transcribable URLs.\n\n" +
		"Supported sources:\n" +
		"- YouTube (youtube.com, youtu.be)\n" +
		"- Apple Podcasts (podcasts.apple.com)\n" +
		"- Direct audio URLs (.mp3, .m4a, .wav)\n\n" +
		"---\nOriginal request received: " + ts + "\n"
	body := "<p>Your email did not contain any transcribable URLs.</p>\n" +
		"<p>Supported sources:</p>\n<ul>\n" +
		"<li>YouTube (youtube.com, youtu.be)</li>\n" +
		"<li>Apple Podcasts (podcasts.apple.com)</li>\n" +
		"<li>Direct audio URLs (.mp3, .m4a, .wav)</li>\n</ul>\n" +
		"<hr>\n<p>Original request received: " + ts + "</p>\n"
	return Email{Subject: "[Scribe Error] No transcribable URLs found", Text: text, HTML: wrap(body)}
}

// markdown falls back to escaped preformatted text if conversion fails.
func (f *Formatter) markdown(src string) string {
	var buf bytes.Buffer
	if err := f.md.Convert([]byte(src), &buf); err != nil {
		return "<pre>" + html.EscapeString(src) + "</pre>\n"
	}
	return buf.String()
}

func wrap(body string) string {
	return "<!DOCTYPE html>\n<html><body>\n" + body + "</body></html>\n"
}

// FormatDuration renders seconds as Ns, M:SS or H:MM:SS.
func FormatDuration(seconds float64) string {
	total := int(seconds)
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
