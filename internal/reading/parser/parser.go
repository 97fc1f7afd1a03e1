package parser

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/turnstile/internal/reading/domain"
)

// EraCutover is the first file date published in the modern layout.
var EraCutover = time.Date(2014, time.October, 18, 0, 0, 0, 0, time.UTC)

const (
	keyColumns    = 3
	groupColumns  = 5
	modernColumns = 11
	// station, line name and division sit between the key and the reading
	modernReadingColumn = 6

	defaultMaxLineBytes = 1 << 20
)

var timestampLayouts = []string{
	"01-02-06 15:04:05",
	"01/02/2006 15:04:05",
}

// EraFor infers the line layout from the file date.
func EraFor(fileDate time.Time) domain.Era {
	if fileDate.Before(EraCutover) {
		return domain.EraLegacy
	}
	return domain.EraModern
}

type Config struct {
	MaxLineBytes int
}

type Parser struct {
	maxLineBytes int
}

func New(cfg Config) *Parser {
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &Parser{maxLineBytes: maxLine}
}

// Readings lazily yields every valid reading in r. A malformed line or group is
// yielded as a *domain.MalformedRowError and parsing continues; a read error is
// yielded once and ends the sequence.
func (p *Parser) Readings(r io.Reader, era domain.Era) iter.Seq2[domain.Reading, error] {
	return func(yield func(domain.Reading, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, min(64*1024, p.maxLineBytes)), p.maxLineBytes)

		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if era == domain.EraModern && lineNo == 1 {
				continue
			}

			readings, errs := p.ParseLine(lineNo, scanner.Text(), era)
			for _, err := range errs {
				if !yield(domain.Reading{}, err) {
					return
				}
			}
			for _, reading := range readings {
				if !yield(reading, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(domain.Reading{}, fmt.Errorf("read line %d: %w", lineNo+1, err))
		}
	}
}

// ParseLine converts one raw line into zero or more readings. Blank lines
// produce neither readings nor errors.
func (p *Parser) ParseLine(lineNo int, line string, era domain.Era) ([]domain.Reading, []error) {
	line = strings.TrimSpace(strings.ReplaceAll(line, "\x00", ""))
	if line == "" {
		return nil, nil
	}

	cols := strings.Split(line, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}

	switch era {
	case domain.EraLegacy:
		return parseLegacy(lineNo, cols)
	default:
		return parseModern(lineNo, cols)
	}
}

func parseLegacy(lineNo int, cols []string) ([]domain.Reading, []error) {
	ncol := len(cols)
	if ncol < keyColumns+groupColumns || (ncol-keyColumns)%groupColumns != 0 {
		return nil, []error{columnCountError(lineNo, ncol, "3 + 5n")}
	}

	key, err := parseKey(lineNo, cols)
	if err != nil {
		return nil, []error{err}
	}

	readings := make([]domain.Reading, 0, (ncol-keyColumns)/groupColumns)
	var errs []error
	for j := keyColumns; j < ncol; j += groupColumns {
		reading, err := parseGroup(lineNo, key, cols, j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, errs
}

func parseModern(lineNo int, cols []string) ([]domain.Reading, []error) {
	if len(cols) != modernColumns {
		return nil, []error{columnCountError(lineNo, len(cols), strconv.Itoa(modernColumns))}
	}

	key, err := parseKey(lineNo, cols)
	if err != nil {
		return nil, []error{err}
	}

	reading, err := parseGroup(lineNo, key, cols, modernReadingColumn)
	if err != nil {
		return nil, []error{err}
	}
	return []domain.Reading{reading}, nil
}

func parseKey(lineNo int, cols []string) (domain.NaturalKey, error) {
	key := domain.NaturalKey{
		ControllerArea: cols[0],
		Unit:           cols[1],
		Subunit:        cols[2],
	}
	if key.ControllerArea == "" || key.Unit == "" || key.Subunit == "" {
		return key, &domain.MalformedRowError{
			Line:   lineNo,
			Column: 0,
			Reason: domain.ReasonEmptyKey,
			Detail: key.String(),
		}
	}
	return key, nil
}

// parseGroup reads date, time, activity, entries and exits starting at column j.
func parseGroup(lineNo int, key domain.NaturalKey, cols []string, j int) (domain.Reading, error) {
	raw := cols[j] + " " + cols[j+1]
	ts, ok := parseTimestamp(raw)
	if !ok {
		return domain.Reading{}, &domain.MalformedRowError{
			Line:   lineNo,
			Column: j,
			Reason: domain.ReasonBadTimestamp,
			Detail: raw,
		}
	}

	entries, errEntries := strconv.ParseInt(cols[j+3], 10, 64)
	exits, errExits := strconv.ParseInt(cols[j+4], 10, 64)
	if errEntries != nil || errExits != nil {
		return domain.Reading{}, &domain.MalformedRowError{
			Line:   lineNo,
			Column: j + 3,
			Reason: domain.ReasonBadCounter,
			Detail: cols[j+3] + "," + cols[j+4],
		}
	}
	if entries < 0 || exits < 0 {
		return domain.Reading{}, &domain.MalformedRowError{
			Line:   lineNo,
			Column: j + 3,
			Reason: domain.ReasonNegative,
			Detail: cols[j+3] + "," + cols[j+4],
		}
	}

	return domain.Reading{
		Key:          key,
		Timestamp:    ts,
		ActivityCode: cols[j+2],
		RawEntries:   entries,
		RawExits:     exits,
	}, nil
}

func parseTimestamp(raw string) (int64, bool) {
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, raw, time.UTC)
		if err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

func columnCountError(lineNo, got int, want string) error {
	return &domain.MalformedRowError{
		Line:   lineNo,
		Column: got,
		Reason: domain.ReasonColumnCount,
		Detail: fmt.Sprintf("got %d columns, want %s", got, want),
	}
}
