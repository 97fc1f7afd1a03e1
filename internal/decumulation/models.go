package decumulation

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	continuitydomain "github.com/smallbiznis/turnstile/internal/continuity/domain"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
)

// Input is one batch worth of readings after device resolution.
type Input struct {
	// SourceBatch is recorded on every continuity record this batch produces.
	SourceBatch string
	Readings    map[snowflake.ID][]readingdomain.Reading
	Continuity  continuitydomain.State
}

type Result struct {
	// Intervals are ordered by device id, then by processing order.
	Intervals []intervaldomain.Interval
	// Continuity is the full merged state, including devices absent from
	// the batch.
	Continuity continuitydomain.State
	Stats      Stats
	Outliers   []OutlierDeltaError
}

type Stats struct {
	Readings     int
	Emitted      int
	Recovered    int
	Dropped      int
	Stale        int
	Devices      int
	SeedsExpired int
}

func (s *Stats) add(o Stats) {
	s.Readings += o.Readings
	s.Emitted += o.Emitted
	s.Recovered += o.Recovered
	s.Dropped += o.Dropped
	s.Stale += o.Stale
	s.Devices += o.Devices
	s.SeedsExpired += o.SeedsExpired
}

var ErrOutlierDelta = errors.New("outlier_delta")

// OutlierDeltaError is a reading whose delta stayed over threshold after
// re-diffing against the last accepted reading.
type OutlierDeltaError struct {
	DeviceID     snowflake.ID
	ObservedAt   int64
	ActivityCode string
	Entries      int64
	Exits        int64
	RawEntries   int64
	RawExits     int64
}

func (e OutlierDeltaError) Error() string {
	return fmt.Sprintf("device %s at %d: delta entries=%d exits=%d over threshold",
		e.DeviceID, e.ObservedAt, e.Entries, e.Exits)
}

func (e OutlierDeltaError) Is(target error) bool {
	return target == ErrOutlierDelta
}
