package ingest

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"scribe/internal/source"
)

// Provenance records where a candidate URL was found.
type Provenance string

const (
	ProvenanceText     Provenance = "text"
	ProvenanceAnchor   Provenance = "html_anchor"
	ProvenanceRedirect Provenance = "redirect"
)

// Candidate is a URL worth trying, in message order.
type Candidate struct {
	URL        string
	Provenance Provenance
}

var (
	urlPattern          = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)
	appleEpisodePattern = regexp.MustCompile(`(?i)podcasts\.apple\.com/.*[?&]i=\d+`)
	redirectHint        = regexp.MustCompile(`(?i)apple\s*podcasts?|youtube`)
)

const trailingPunct = ".,;:!?)"

// Transcribable accepts any URL the pipeline can classify.
func Transcribable(raw string) bool {
	_, err := source.Parse(raw)
	return err == nil
}

// EpisodeURL accepts only YouTube videos and Apple Podcasts episodes.
func EpisodeURL(raw string) bool {
	return source.YouTubeID(raw) != "" || appleEpisodePattern.MatchString(raw)
}

// Extractor pulls candidate URLs out of message bodies.
type Extractor struct {
	client *http.Client
}

// NewExtractor builds an extractor. client is only used to follow redirect
// links; nil gets a 10 second client.
func NewExtractor(client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Extractor{client: client}
}

// Candidates returns accepted URLs from HTML anchors, then the text body,
// then HTML visible text, deduplicated in first-seen order. When
// followRedirects is set, anchors whose text names a supported platform are
// resolved with a HEAD request.
func (e *Extractor) Candidates(ctx context.Context, text, html string, accept func(string) bool, followRedirects bool) []Candidate {
	var out []Candidate
	seen := map[string]bool{}
	add := func(raw string, p Provenance) {
		u := strings.TrimRight(raw, trailingPunct)
		if u == "" || seen[u] || !accept(u) {
			return
		}
		seen[u] = true
		out = append(out, Candidate{URL: u, Provenance: p})
	}

	var doc *goquery.Document
	if strings.TrimSpace(html) != "" {
		if parsed, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			doc = parsed
		}
	}
	if doc != nil {
		doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href := strings.TrimSpace(a.AttrOr("href", ""))
			if !strings.HasPrefix(href, "http") {
				return
			}
			if accept(strings.TrimRight(href, trailingPunct)) {
				add(href, ProvenanceAnchor)
				return
			}
			if followRedirects && redirectHint.MatchString(a.Text()) {
				if resolved := e.resolve(ctx, href, accept); resolved != "" {
					add(resolved, ProvenanceRedirect)
				}
			}
		})
	}
	for _, u := range urlPattern.FindAllString(text, -1) {
		add(u, ProvenanceText)
	}
	if doc != nil {
		for _, u := range urlPattern.FindAllString(visibleText(doc), -1) {
			add(u, ProvenanceText)
		}
	}
	return out
}

// resolve follows redirects from href until an accepted URL appears.
func (e *Extractor) resolve(ctx context.Context, href string, accept func(string) bool) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, href, nil)
	if err != nil {
		return ""
	}
	var matched string
	client := *e.client
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("too many redirects")
		}
		if accept(r.URL.String()) {
			matched = r.URL.String()
			return http.ErrUseLastResponse
		}
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return matched
	}
	resp.Body.Close()
	if matched != "" {
		return matched
	}
	if final := resp.Request.URL.String(); accept(final) {
		return final
	}
	return ""
}

func visibleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	return doc.Text()
}

// PlainText returns the text body, or the visible text of the HTML body.
func PlainText(text, html string) string {
	if strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	lines := strings.Split(visibleText(doc), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
