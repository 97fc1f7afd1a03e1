package ingest

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ingestdomain "github.com/smallbiznis/turnstile/internal/ingest/domain"
	sourcedomain "github.com/smallbiznis/turnstile/internal/source/domain"
)

// Process exit codes for an ingest run.
const (
	ExitOK           = 0
	ExitFatal        = 1
	ExitBatchFailure = 2
)

// Report summarizes one run over a window.
type Report struct {
	RunID      string
	Window     sourcedomain.Window
	StartedAt  time.Time
	FinishedAt time.Time
	Batches    []BatchReport
}

func (r Report) count(status ingestdomain.BatchStatus) int {
	n := 0
	for _, b := range r.Batches {
		if b.Status == status {
			n++
		}
	}
	return n
}

func (r Report) Committed() int { return r.count(ingestdomain.BatchStatusCommitted) }
func (r Report) Failed() int    { return r.count(ingestdomain.BatchStatusFailed) }
func (r Report) Skipped() int   { return r.count(ingestdomain.BatchStatusSkipped) }

// BatchReport is the outcome of one file.
type BatchReport struct {
	BatchID     snowflake.ID
	FileID      string
	FileDate    time.Time
	Checksum    string
	Status      ingestdomain.BatchStatus
	FailedStage ingestdomain.BatchStatus

	Readings          int
	RowsMalformed     int
	Intervals         int
	OutliersRecovered int
	OutliersDropped   int
	StaleReadings     int
	DevicesCreated    int
	Diagnostics       []ingestdomain.Diagnostic

	Err error
}

// ExitCode maps a run outcome to the process exit status.
func ExitCode(report Report, err error) int {
	if err != nil {
		if errors.Is(err, sourcedomain.ErrNoFilesInWindow) {
			return ExitFatal
		}
		if report.Failed() > 0 {
			return ExitBatchFailure
		}
		return ExitFatal
	}
	if report.Failed() > 0 {
		return ExitBatchFailure
	}
	return ExitOK
}
