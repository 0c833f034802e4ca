package command

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorUsesStderrTail(t *testing.T) {
	err := &Error{
		Result: Result{
			Command:  "yt-dlp",
			ExitCode: 1,
			Stderr:   "line one\nline two\nline three\nERROR: Unable to extract data\n",
		},
		Err: errors.New("exit status 1"),
	}
	msg := err.Error()
	if !strings.Contains(msg, "yt-dlp exited 1") || !strings.Contains(msg, "Unable to extract data") {
		t.Fatalf("unexpected message %q", msg)
	}
	if strings.Contains(msg, "line one") {
		t.Fatalf("expected only the stderr tail, got %q", msg)
	}
}

func TestErrorFallsBackToCause(t *testing.T) {
	cause := errors.New("executable file not found")
	err := &Error{Result: Result{Command: "ffmpeg", ExitCode: -1}, Err: cause}
	if !strings.Contains(err.Error(), "executable file not found") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected error to unwrap to cause")
	}
}
