package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusDownloading, StatusTranscribing, true},
		{StatusTranscribing, StatusCompleted, true},
		{StatusTranscribing, StatusTranscribing, true},
		{StatusPending, StatusFailed, true},
		{StatusTranscribing, StatusDownloading, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusPending, Status("bogus"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTranscriptFullText(t *testing.T) {
	tr := Transcript{Segments: []Segment{
		{Text: "  hello"},
		{Text: ""},
		{Text: "world  "},
	}}
	if got := tr.FullText(); got != "hello world" {
		t.Fatalf("unexpected full text %q", got)
	}
	if n := WordCount("one two\tthree\n"); n != 3 {
		t.Fatalf("expected 3 words got %d", n)
	}
}
