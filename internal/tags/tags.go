package tags

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MaxTagLength = 50
	MaxTags      = 20

	// SourceDefault marks a resolution that fell through to the default block.
	SourceDefault = "system_default"
)

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Settings is one summarization profile.
type Settings struct {
	APIEndpoint       string   `yaml:"api_endpoint"`
	Model             string   `yaml:"model"`
	APIKeyRef         string   `yaml:"api_key_ref"`
	SystemPrompt      string   `yaml:"system_prompt"`
	DestinationEmails []string `yaml:"destination_emails"`
}

type file struct {
	Default Settings            `yaml:"default"`
	Tags    map[string]Settings `yaml:"tags"`
}

// Resolved is the profile selected for a set of job tags with its API key
// looked up.
type Resolved struct {
	Settings
	APIKey       string
	ConfigSource string
}

// Registry holds the tag profiles loaded from YAML.
type Registry struct {
	def    Settings
	tags   map[string]Settings
	getenv func(string) string
}

// BuiltinDefault is used when no tag file exists.
func BuiltinDefault() Settings {
	return Settings{
		APIEndpoint:  "http://localhost:11434/v1",
		Model:        "llama2",
		SystemPrompt: "Provide a concise summary of the following transcription:",
	}
}

// Load reads the tag file at path. A missing file yields the built-in default
// with no tags.
func Load(path string) (*Registry, error) {
	r := &Registry{def: BuiltinDefault(), tags: map[string]Settings{}, getenv: os.Getenv}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("tag config %s not found, using built-in default", path)
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tag config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a tag file body.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode tag config: %w", err)
	}
	r := &Registry{def: BuiltinDefault(), tags: map[string]Settings{}, getenv: os.Getenv}
	if f.Default.APIEndpoint != "" {
		r.def = f.Default
	}
	for name, s := range f.Tags {
		norm := strings.ToLower(strings.TrimSpace(name))
		if !Valid(norm) {
			return nil, fmt.Errorf("invalid tag name %q", name)
		}
		r.tags[norm] = s
	}
	return r, nil
}

// WithEnv swaps the environment lookup used for API keys.
func (r *Registry) WithEnv(getenv func(string) string) *Registry {
	r.getenv = getenv
	return r
}

// Tags returns the configured tag names sorted.
func (r *Registry) Tags() []string {
	out := make([]string, 0, len(r.tags))
	for name := range r.tags {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name has a profile.
func (r *Registry) Has(name string) bool {
	_, ok := r.tags[name]
	return ok
}

// Config returns the profile for one tag.
func (r *Registry) Config(name string) (Settings, bool) {
	s, ok := r.tags[name]
	return s, ok
}

// Resolve picks the profile of the first tag that has one, otherwise the
// default.
func (r *Registry) Resolve(jobTags []string) Resolved {
	for _, t := range jobTags {
		if s, ok := r.tags[t]; ok {
			return Resolved{Settings: s, APIKey: r.apiKey(s.APIKeyRef), ConfigSource: "tag:" + t}
		}
	}
	return Resolved{Settings: r.def, APIKey: r.apiKey(r.def.APIKeyRef), ConfigSource: SourceDefault}
}

// Destinations returns the destination addresses configured for tag.
func (r *Registry) Destinations(tag string) []string {
	return r.tags[tag].DestinationEmails
}

// FromSubject returns the first subject word that names a known tag, or def.
func (r *Registry) FromSubject(subject, def string) string {
	for _, word := range strings.Fields(strings.ToLower(subject)) {
		if r.Has(word) {
			return word
		}
	}
	return def
}

func (r *Registry) apiKey(ref string) string {
	if ref == "" {
		return ""
	}
	key := r.getenv(strings.ToUpper(ref) + "_API_KEY")
	if key == "" {
		log.Printf("api key not found for ref %s", ref)
	}
	return key
}

// Valid reports whether tag is already in normalized form.
func Valid(tag string) bool {
	return tag != "" && len(tag) <= MaxTagLength && tagPattern.MatchString(tag)
}

// Normalize lowercases and trims tags, drops invalid ones and duplicates, and
// keeps at most MaxTags in their original order.
func Normalize(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if !Valid(t) || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
