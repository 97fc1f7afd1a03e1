package parser

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/turnstile/internal/reading/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epoch(layout, value string) int64 {
	t, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		panic(err)
	}
	return t.Unix()
}

func collect(t *testing.T, p *Parser, input string, era domain.Era) ([]domain.Reading, []error) {
	t.Helper()
	var readings []domain.Reading
	var errs []error
	for reading, err := range p.Readings(strings.NewReader(input), era) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, errs
}

func TestEraFor(t *testing.T) {
	cases := []struct {
		name string
		date time.Time
		want domain.Era
	}{
		{name: "day before cutover", date: time.Date(2014, 10, 17, 0, 0, 0, 0, time.UTC), want: domain.EraLegacy},
		{name: "cutover", date: time.Date(2014, 10, 18, 0, 0, 0, 0, time.UTC), want: domain.EraModern},
		{name: "old", date: time.Date(2010, 5, 1, 0, 0, 0, 0, time.UTC), want: domain.EraLegacy},
		{name: "recent", date: time.Date(2019, 1, 5, 0, 0, 0, 0, time.UTC), want: domain.EraModern},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EraFor(tc.date))
		})
	}
}

func TestParseLine_LegacyMultipleGroups(t *testing.T) {
	p := New(Config{})
	line := "A002,R051,02-00-00,01-01-14,00:00:00,REGULAR,4800,1000,01-01-14,04:00:00,REGULAR,4805,1003"

	readings, errs := p.ParseLine(1, line, domain.EraLegacy)

	require.Empty(t, errs)
	require.Len(t, readings, 2)
	key := domain.NaturalKey{ControllerArea: "A002", Unit: "R051", Subunit: "02-00-00"}
	assert.Equal(t, domain.Reading{
		Key:          key,
		Timestamp:    epoch("2006-01-02 15:04:05", "2014-01-01 00:00:00"),
		ActivityCode: "REGULAR",
		RawEntries:   4800,
		RawExits:     1000,
	}, readings[0])
	assert.Equal(t, domain.Reading{
		Key:          key,
		Timestamp:    epoch("2006-01-02 15:04:05", "2014-01-01 04:00:00"),
		ActivityCode: "REGULAR",
		RawEntries:   4805,
		RawExits:     1003,
	}, readings[1])
}

func TestParseLine_LegacyDropsOnlyBadGroup(t *testing.T) {
	p := New(Config{})
	line := "A002,R051,02-00-00,01-01-14,00:00:00,REGULAR,4800,1000,13-45-14,04:00:00,REGULAR,4805,1003,01-01-14,08:00:00,REGULAR,abc,1010"

	readings, errs := p.ParseLine(7, line, domain.EraLegacy)

	require.Len(t, readings, 1)
	require.Len(t, errs, 2)

	var first *domain.MalformedRowError
	require.True(t, errors.As(errs[0], &first))
	assert.Equal(t, domain.ReasonBadTimestamp, first.Reason)
	assert.Equal(t, 7, first.Line)
	assert.Equal(t, 8, first.Column)

	var second *domain.MalformedRowError
	require.True(t, errors.As(errs[1], &second))
	assert.Equal(t, domain.ReasonBadCounter, second.Reason)
	assert.True(t, errors.Is(errs[1], domain.ErrMalformedRow))
}

func TestParseLine_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		era    domain.Era
		reason string
	}{
		{
			name:   "legacy incomplete group",
			line:   "A002,R051,02-00-00,01-01-14,00:00:00,REGULAR,4800",
			era:    domain.EraLegacy,
			reason: domain.ReasonColumnCount,
		},
		{
			name:   "legacy key only",
			line:   "A002,R051,02-00-00",
			era:    domain.EraLegacy,
			reason: domain.ReasonColumnCount,
		},
		{
			name:   "modern ten columns",
			line:   "A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,4800",
			era:    domain.EraModern,
			reason: domain.ReasonColumnCount,
		},
		{
			name:   "modern bad date",
			line:   "A002,R051,02-00-00,59 ST,NQR456W,BMT,2014-10-18,00:00:00,REGULAR,4800,1000",
			era:    domain.EraModern,
			reason: domain.ReasonBadTimestamp,
		},
		{
			name:   "modern non integer exits",
			line:   "A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,4800,1.5",
			era:    domain.EraModern,
			reason: domain.ReasonBadCounter,
		},
		{
			name:   "modern negative entries",
			line:   "A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,-4,10",
			era:    domain.EraModern,
			reason: domain.ReasonNegative,
		},
		{
			name:   "modern empty subunit",
			line:   "A002,R051,,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,4800,1000",
			era:    domain.EraModern,
			reason: domain.ReasonEmptyKey,
		},
	}

	p := New(Config{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			readings, errs := p.ParseLine(3, tc.line, tc.era)
			assert.Empty(t, readings)
			require.Len(t, errs, 1)
			var malformed *domain.MalformedRowError
			require.True(t, errors.As(errs[0], &malformed))
			assert.Equal(t, tc.reason, malformed.Reason)
		})
	}
}

func TestParseLine_StripsNulAndWhitespace(t *testing.T) {
	p := New(Config{})
	line := "\x00A002 , R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,04:00:00,REGULAR  ,0004800,0001000\r\n"

	readings, errs := p.ParseLine(2, line, domain.EraModern)

	require.Empty(t, errs)
	require.Len(t, readings, 1)
	assert.Equal(t, "A002", readings[0].Key.ControllerArea)
	assert.Equal(t, "REGULAR", readings[0].ActivityCode)
	assert.Equal(t, int64(4800), readings[0].RawEntries)
	assert.Equal(t, epoch("2006-01-02 15:04:05", "2014-10-18 04:00:00"), readings[0].Timestamp)
}

func TestParseLine_BlankLine(t *testing.T) {
	p := New(Config{})
	readings, errs := p.ParseLine(9, "  \x00 ", domain.EraModern)
	assert.Nil(t, readings)
	assert.Nil(t, errs)
}

func TestReadings_ModernSkipsHeaderAndContinuesPastBadRows(t *testing.T) {
	input := strings.Join([]string{
		"C/A,UNIT,SCP,STATION,LINENAME,DIVISION,DATE,TIME,DESC,ENTRIES,EXITS",
		"A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,4800,1000",
		"A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,04:00:00,REGULAR,4805",
		"A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,08:00:00,RECOVR AUD,4900,1050",
		"",
	}, "\n")

	readings, errs := collect(t, New(Config{}), input, domain.EraModern)

	require.Len(t, readings, 2)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], domain.ErrMalformedRow))
	assert.Equal(t, "RECOVR AUD", readings[1].ActivityCode)
}

func TestReadings_ModernSkipsFirstLineEvenWithoutHeader(t *testing.T) {
	input := "A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,00:00:00,REGULAR,4800,1000\n" +
		"A002,R051,02-00-00,59 ST,NQR456W,BMT,10/18/2014,04:00:00,REGULAR,4805,1003\n"

	readings, errs := collect(t, New(Config{}), input, domain.EraModern)

	assert.Empty(t, errs)
	require.Len(t, readings, 1)
	assert.Equal(t, int64(4805), readings[0].RawEntries)
}

func TestReadings_LegacyKeepsFirstLine(t *testing.T) {
	input := "A002,R051,02-00-00,01-01-14,00:00:00,REGULAR,4800,1000,01-01-14,04:00:00,REGULAR,4805,1003\n"

	readings, errs := collect(t, New(Config{}), input, domain.EraLegacy)

	assert.Empty(t, errs)
	assert.Len(t, readings, 2)
}

func TestReadings_StopsWhenConsumerBreaks(t *testing.T) {
	input := "A002,R051,02-00-00,01-01-14,00:00:00,REGULAR,1,1,01-01-14,04:00:00,REGULAR,2,2\n" +
		"A002,R051,02-00-00,01-02-14,00:00:00,REGULAR,3,3\n"

	count := 0
	for _, err := range New(Config{}).Readings(strings.NewReader(input), domain.EraLegacy) {
		require.NoError(t, err)
		count++
		if count == 1 {
			break
		}
	}
	assert.Equal(t, 1, count)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestReadings_YieldsReadError(t *testing.T) {
	var errs []error
	for _, err := range New(Config{}).Readings(failingReader{}, domain.EraLegacy) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], io.ErrUnexpectedEOF)
	assert.False(t, errors.Is(errs[0], domain.ErrMalformedRow))
}

func TestReadings_LineTooLong(t *testing.T) {
	p := New(Config{MaxLineBytes: 16})
	var errs []error
	for _, err := range p.Readings(strings.NewReader(strings.Repeat("x", 64)+"\n"), domain.EraLegacy) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.False(t, errors.Is(errs[0], domain.ErrMalformedRow))
}
