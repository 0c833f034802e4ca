package source

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"scribe/internal/models"
)

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrUnsupportedURL = errors.New("unsupported url")
)

// Info is the parsed form of a submitted URL.
type Info struct {
	SourceType models.SourceType
	URL        string
	ID         string
	VideoID    string
	PodcastID  string
}

var (
	youtubeIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/)([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`(?i)youtube\.com/(?:embed|live|shorts)/([a-zA-Z0-9_-]{11})`),
	}
	appleEpisodePattern = regexp.MustCompile(`(?i)[?&]i=(\d+)`)
	appleShowPattern    = regexp.MustCompile(`(?i)/id(\d+)`)
)

// AudioExtensions are file suffixes accepted as direct audio links.
var AudioExtensions = []string{".mp3", ".m4a", ".wav", ".ogg", ".flac", ".aac", ".opus"}

// IsYouTube reports whether the URL points at a YouTube host.
func IsYouTube(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be")
}

// IsApplePodcasts reports whether the URL points at the Apple Podcasts directory.
func IsApplePodcasts(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "podcasts.apple.com")
}

// HasAudioExtension reports whether the URL path ends in a known audio suffix.
func HasAudioExtension(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, e := range AudioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// YouTubeID extracts the 11 character video id.
func YouTubeID(raw string) string {
	for _, re := range youtubeIDPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

// ApplePodcastID extracts the episode id, falling back to the show id.
func ApplePodcastID(raw string) string {
	if m := appleEpisodePattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if m := appleShowPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

func hashID(raw string) string {
	sum := md5.Sum([]byte(raw))
	return "direct_audio_" + hex.EncodeToString(sum[:])[:12]
}

// JobID derives the deterministic job id for a URL. It never fails: URLs
// without an extractable platform id use a hash of the URL.
func JobID(raw string) string {
	switch {
	case IsYouTube(raw):
		if id := YouTubeID(raw); id != "" {
			return "youtube_" + id
		}
	case IsApplePodcasts(raw):
		if id := ApplePodcastID(raw); id != "" {
			return "apple_podcasts_" + id
		}
	}
	return hashID(raw)
}

// Parse validates a URL and classifies its source family.
func Parse(raw string) (Info, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	switch {
	case IsYouTube(raw):
		id := YouTubeID(raw)
		if id == "" {
			return Info{}, fmt.Errorf("%w: could not extract youtube video id from %q", ErrInvalidURL, raw)
		}
		return Info{SourceType: models.SourceYouTube, URL: raw, ID: "youtube_" + id, VideoID: id}, nil
	case IsApplePodcasts(raw):
		id := ApplePodcastID(raw)
		if id == "" {
			return Info{}, fmt.Errorf("%w: could not extract apple podcasts id from %q", ErrInvalidURL, raw)
		}
		return Info{SourceType: models.SourceApplePodcasts, URL: raw, ID: "apple_podcasts_" + id, PodcastID: id}, nil
	case HasAudioExtension(raw):
		return Info{SourceType: models.SourceDirectAudio, URL: raw, ID: hashID(raw)}, nil
	}
	return Info{SourceType: models.SourceUnsupported, URL: raw, ID: hashID(raw)},
		fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
}
