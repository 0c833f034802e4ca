package store

import (
	"errors"
	"fmt"

	"scribe/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when an update would move a job
	// backwards or out of a terminal state.
	ErrIllegalTransition = errors.New("illegal job transition")
)

// checkUpdate validates a mutation of before into after. Both stores call it
// inside their write critical section.
func checkUpdate(before, after models.Job) error {
	if after.ID != before.ID || after.SourceURL != before.SourceURL {
		return fmt.Errorf("%w: id and source url are immutable", ErrIllegalTransition)
	}
	if after.Status != before.Status && !models.CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, before.Status, after.Status)
	}
	if after.Progress < before.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrIllegalTransition, before.Progress, after.Progress)
	}
	return nil
}
