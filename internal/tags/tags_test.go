package tags

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sample = `
default:
  api_endpoint: http://llm.local/v1
  model: small
  system_prompt: Summarize.
tags:
  digest:
    api_endpoint: https://api.example.com/v1
    model: big
    api_key_ref: openai
    system_prompt: Digest this.
    destination_emails: [team@example.com]
  Notes:
    api_endpoint: http://llm.local/v1
    model: small
    system_prompt: Notes.
`

func TestResolve(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r.WithEnv(func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-test"
		}
		return ""
	})

	got := r.Resolve([]string{"unknown", "digest", "notes"})
	if got.ConfigSource != "tag:digest" || got.Model != "big" || got.APIKey != "sk-test" {
		t.Fatalf("unexpected resolution %+v", got)
	}
	def := r.Resolve([]string{"unknown"})
	if def.ConfigSource != SourceDefault || def.Model != "small" || def.APIKey != "" {
		t.Fatalf("unexpected default %+v", def)
	}
	if tags := r.Tags(); !reflect.DeepEqual(tags, []string{"digest", "notes"}) {
		t.Fatalf("tag names should be normalized and sorted, got %v", tags)
	}
	if d := r.Destinations("digest"); len(d) != 1 || d[0] != "team@example.com" {
		t.Fatalf("unexpected destinations %v", d)
	}
}

func TestLoadMissingFileUsesBuiltin(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := r.Resolve(nil); got.Model != BuiltinDefault().Model || got.ConfigSource != SourceDefault {
		t.Fatalf("unexpected builtin %+v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil || !r.Has("digest") {
		t.Fatalf("load file: has digest=%v err=%v", r != nil && r.Has("digest"), err)
	}
}

func TestFromSubject(t *testing.T) {
	r, _ := Parse([]byte(sample))
	cases := map[string]string{
		"Notes for later":     "notes",
		"fwd: DIGEST weekly":  "digest",
		"nothing interesting": "default",
		"":                    "default",
	}
	for subject, want := range cases {
		if got := r.FromSubject(subject, "default"); got != want {
			t.Fatalf("subject %q: expected %s got %s", subject, want, got)
		}
	}
}

func TestNormalize(t *testing.T) {
	in := []string{" Foo ", "foo", "bar_baz", "bad tag", "", "ok-1", strings.Repeat("x", 51)}
	got := Normalize(in)
	want := []string{"foo", "bar_baz", "ok-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}

	many := make([]string, 30)
	for i := range many {
		many[i] = "t" + strings.Repeat("a", i+1)
	}
	if n := len(Normalize(many)); n != MaxTags {
		t.Fatalf("expected %d tags got %d", MaxTags, n)
	}
}

func TestParseRejectsInvalidTagName(t *testing.T) {
	if _, err := Parse([]byte("tags:\n  \"bad name\":\n    model: x\n")); err == nil {
		t.Fatalf("expected invalid tag name error")
	}
}
