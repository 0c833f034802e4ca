package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	scrapeUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	maxShowNotesText = 5000
	maxTimestampText = 500
)

var (
	assetURLPattern   = regexp.MustCompile(`"assetUrl"\s*:\s*"([^"]+\.(?:mp3|m4a|aac)[^"]*)"`)
	anchorFMPattern   = regexp.MustCompile(`https://anchor\.fm/[^"]*?/podcast/play/[^"]*?\.mp3[^"]*`)
	cloudfrontPattern = regexp.MustCompile(`https://[^"]*cloudfront\.net[^"]*\.(?:mp3|m4a)[^"]*`)
	genericPattern    = regexp.MustCompile(`https://[^"<>\s]+\.(?:mp3|m4a)(?:\?[^"<>\s]*)?`)
	timestampPattern  = regexp.MustCompile(`\d{1,2}:\d{2}(?::\d{2})?`)

	showNotesSelectors = []string{
		"section.product-hero-desc",
		"div.product-hero-desc",
		"[data-testid='description']",
		".episode-description",
		".show-notes",
	}
)

// errClientStatus marks a 4xx page response, which is not retried.
var errClientStatus = errors.New("client error")

// PageScraper fetches podcast directory pages and digs out the enclosure URL.
type PageScraper struct {
	client *retryablehttp.Client
}

// NewPageScraper builds a scraper. attempts <= 0 means 3. Transport errors and
// 5xx replies are retried with backoff; 4xx replies are final.
func NewPageScraper(client *http.Client, attempts int) *PageScraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if attempts <= 0 {
		attempts = 3
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = client
	rc.RetryMax = attempts - 1
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = retryServerErrors
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Printf("fetch %s retry %d/%d", req.URL, attempt, rc.RetryMax)
		}
	}
	return &PageScraper{client: rc}
}

func retryServerErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= 500, nil
}

// Scrape fetches pageURL and extracts the audio URL, title and show notes.
func (s *PageScraper) Scrape(ctx context.Context, pageURL string) (Page, error) {
	html, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}, fmt.Errorf("parse page: %w", err)
	}
	page := Page{}
	page.AudioURL, page.Strategy = findAudioURL(html, doc)
	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		page.Title = strings.TrimSpace(title)
	}
	page.ShowNotes = showNotes(doc)
	return page, nil
}

func (s *PageScraper) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", scrapeUserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: %w %d", pageURL, errClientStatus, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", pageURL, err)
	}
	return string(b), nil
}

// findAudioURL applies the strategies in order and names the one that hit.
func findAudioURL(html string, doc *goquery.Document) (string, string) {
	if m := assetURLPattern.FindStringSubmatch(html); m != nil {
		return unescapeJSON(m[1]), "assetUrl"
	}
	if m := anchorFMPattern.FindString(html); m != "" {
		return m, "anchor.fm"
	}
	if m := cloudfrontPattern.FindString(html); m != "" {
		return m, "cloudfront"
	}
	if src := audioTag(doc); src != "" {
		return src, "audio-tag"
	}
	if m := genericPattern.FindString(html); m != "" {
		return m, "generic"
	}
	return "", ""
}

func audioTag(doc *goquery.Document) string {
	var found string
	doc.Find("audio[src], audio source[src], source[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, _ := sel.Attr("src")
		if strings.HasPrefix(src, "http") {
			found = src
			return false
		}
		return true
	})
	return found
}

func unescapeJSON(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return strings.ReplaceAll(s, `\/`, "/")
}

// showNotes strips scripts from doc, so it runs after findAudioURL.
func showNotes(doc *goquery.Document) string {
	var parts []string
	seen := map[string]bool{}
	add := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" || seen[text] {
			return
		}
		seen[text] = true
		parts = append(parts, text)
	}

	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		add(desc)
	}
	doc.Find("script, style, noscript").Remove()
	for _, sel := range showNotesSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			add(blockText(node))
		}
	}
	doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
		if sel.Children().Length() > 0 {
			return
		}
		text := strings.TrimSpace(sel.Text())
		if len(text) < maxTimestampText && timestampPattern.MatchString(text) {
			add(text)
		}
	})
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}

	body := blockText(doc.Find("body"))
	if runes := []rune(body); len(runes) > maxShowNotesText {
		body = string(runes[:maxShowNotesText]) + "..."
	}
	return body
}

// blockText returns the non-empty trimmed text lines under sel.
func blockText(sel *goquery.Selection) string {
	var lines []string
	for _, line := range strings.Split(sel.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
