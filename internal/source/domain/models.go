package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Window is an inclusive file-date range. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(date time.Time) bool {
	if !w.From.IsZero() && date.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && date.After(w.To) {
		return false
	}
	return true
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", formatBound(w.From), formatBound(w.To))
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.Format(time.DateOnly)
}

// File is one published weekly file.
type File struct {
	ID       string
	Date     time.Time
	Checksum string
	Size     int64
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

type Source interface {
	// List returns the files inside window sorted ascending by date.
	List(ctx context.Context, window Window) ([]File, error)
}

var (
	ErrNoFilesInWindow = errors.New("no_files_in_window")
	ErrInvalidFileName = errors.New("invalid_file_name")
)

type NoFilesInWindowError struct {
	Window   Window
	Location string
}

func (e *NoFilesInWindowError) Error() string {
	return fmt.Sprintf("no files in window %s at %s", e.Window, e.Location)
}

func (e *NoFilesInWindowError) Is(target error) bool {
	return target == ErrNoFilesInWindow
}
