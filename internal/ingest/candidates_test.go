package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCandidatesOrderAndDedupe(t *testing.T) {
	text := "First https://youtu.be/dQw4w9WgXcQ. then https://example.com/page and (https://cdn.example.com/ep.mp3)"
	html := `<p>see <a href="https://podcasts.apple.com/us/podcast/show/id123?i=456">episode</a>
		<a href="https://youtu.be/dQw4w9WgXcQ">dup</a></p>
		<p>raw https://cdn.example.com/other.m4a!</p><script>var x="https://cdn.example.com/hidden.mp3"</script>`

	got := NewExtractor(nil).Candidates(context.Background(), text, html, Transcribable, false)
	want := []Candidate{
		{URL: "https://podcasts.apple.com/us/podcast/show/id123?i=456", Provenance: ProvenanceAnchor},
		{URL: "https://youtu.be/dQw4w9WgXcQ", Provenance: ProvenanceAnchor},
		{URL: "https://cdn.example.com/ep.mp3", Provenance: ProvenanceText},
		{URL: "https://cdn.example.com/other.m4a", Provenance: ProvenanceText},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: expected %+v got %+v", i, want[i], got[i])
		}
	}
}

func TestCandidatesPreferAnchorOverTextPart(t *testing.T) {
	text := "Listen: https://cdn.example.com/preview.mp3"
	html := `<a href="https://cdn.example.com/episode.mp3">Listen</a>`

	got := NewExtractor(nil).Candidates(context.Background(), text, html, Transcribable, false)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates got %+v", got)
	}
	if got[0].URL != "https://cdn.example.com/episode.mp3" || got[0].Provenance != ProvenanceAnchor {
		t.Fatalf("anchor href must be tried first, got %+v", got)
	}
	if got[1].URL != "https://cdn.example.com/preview.mp3" {
		t.Fatalf("text part URL should follow, got %+v", got)
	}
}

func TestEpisodeURL(t *testing.T) {
	cases := map[string]bool{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":             true,
		"https://www.youtube.com/live/dQw4w9WgXcQ":                true,
		"https://podcasts.apple.com/us/podcast/show/id123?i=456": true,
		"https://podcasts.apple.com/us/podcast/show/id123":       false,
		"https://cdn.example.com/a.mp3":                          false,
	}
	for in, want := range cases {
		if got := EpisodeURL(in); got != want {
			t.Fatalf("EpisodeURL(%q) = %v want %v", in, got, want)
		}
	}
}

func TestCandidatesFollowHintedRedirects(t *testing.T) {
	target := "https://podcasts.apple.com/us/podcast/show/id123?i=789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD got %s", r.Method)
		}
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer srv.Close()

	html := `<a href="` + srv.URL + `/track/1">Listen on Apple Podcasts</a><a href="` + srv.URL + `/track/2">unsubscribe</a>`
	got := NewExtractor(srv.Client()).Candidates(context.Background(), "", html, EpisodeURL, true)
	if len(got) != 1 || got[0].URL != target || got[0].Provenance != ProvenanceRedirect {
		t.Fatalf("expected redirect candidate got %+v", got)
	}
}

func TestPlainText(t *testing.T) {
	if got := PlainText("  body  ", "<p>ignored</p>"); got != "body" {
		t.Fatalf("expected text body got %q", got)
	}
	got := PlainText("", "<html><body><p>Hello</p><style>p{}</style><p>World</p></body></html>")
	if !strings.Contains(got, "Hello") || !strings.Contains(got, "World") || strings.Contains(got, "p{}") {
		t.Fatalf("unexpected html text %q", got)
	}
}
