package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Era selects the raw line layout of a published file.
type Era string

const (
	EraLegacy Era = "legacy"
	EraModern Era = "modern"
)

// NaturalKey identifies a physical turnstile before normalization.
type NaturalKey struct {
	ControllerArea string
	Unit           string
	Subunit        string
}

func (k NaturalKey) String() string {
	return strings.Join([]string{k.ControllerArea, k.Unit, k.Subunit}, "/")
}

// Reading is one raw cumulative counter snapshot.
type Reading struct {
	Key          NaturalKey
	Timestamp    int64 // seconds since epoch, UTC-naive
	ActivityCode string
	RawEntries   int64
	RawExits     int64
}

const (
	ReasonColumnCount  = "column_count"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonBadCounter   = "bad_counter"
	ReasonNegative     = "negative_counter"
	ReasonEmptyKey     = "empty_key"
)

var ErrMalformedRow = errors.New("malformed_row")

// MalformedRowError describes one dropped line or reading group.
type MalformedRowError struct {
	Line   int
	Column int
	Reason string
	Detail string
}

func (e *MalformedRowError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("line %d column %d: %s", e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("line %d column %d: %s (%s)", e.Line, e.Column, e.Reason, e.Detail)
}

func (e *MalformedRowError) Is(target error) bool {
	return target == ErrMalformedRow
}
