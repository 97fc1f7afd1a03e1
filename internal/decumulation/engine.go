package decumulation

import (
	"context"
	"sort"

	"github.com/bwmarrin/snowflake"
	continuitydomain "github.com/smallbiznis/turnstile/internal/continuity/domain"
	intervaldomain "github.com/smallbiznis/turnstile/internal/interval/domain"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"golang.org/x/sync/errgroup"
)

// Engine turns cumulative counter readings into interval deltas. Run is a
// pure function of its Input.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Config() Config {
	return e.cfg
}

type deviceResult struct {
	intervals []intervaldomain.Interval
	outliers  []OutlierDeltaError
	record    continuitydomain.Record
	stats     Stats
}

func (e *Engine) Run(ctx context.Context, in Input) (Result, error) {
	ids := make([]snowflake.ID, 0, len(in.Readings))
	for id, readings := range in.Readings {
		if len(readings) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]deviceResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seed, hasSeed := in.Continuity[id]
			results[i] = e.runDevice(id, in.Readings[id], seed, hasSeed, in.SourceBatch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	out := Result{Continuity: in.Continuity.Clone()}
	for i, id := range ids {
		res := results[i]
		out.Intervals = append(out.Intervals, res.intervals...)
		out.Outliers = append(out.Outliers, res.outliers...)
		out.Continuity[id] = res.record
		out.Stats.add(res.stats)
	}
	return out, nil
}

// point is the raw counter state a diff is taken against.
type point struct {
	ts      int64
	code    string
	entries int64
	exits   int64
}

func pointOf(r readingdomain.Reading) point {
	return point{ts: r.Timestamp, code: r.ActivityCode, entries: r.RawEntries, exits: r.RawExits}
}

func (e *Engine) runDevice(id snowflake.ID, readings []readingdomain.Reading, seed continuitydomain.Record, hasSeed bool, sourceBatch string) deviceResult {
	res := deviceResult{stats: Stats{Devices: 1, Readings: len(readings)}}

	sorted := make([]readingdomain.Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	if hasSeed && e.cfg.MaxSeedAge > 0 {
		if sorted[0].Timestamp-seed.ObservedAt > int64(e.cfg.MaxSeedAge.Seconds()) {
			hasSeed = false
			res.stats.SeedsExpired++
		}
	}

	var prev point
	rest := sorted
	if hasSeed {
		prev = point{ts: seed.ObservedAt, code: seed.ActivityCode, entries: seed.RawEntries, exits: seed.RawExits}
	} else {
		prev = pointOf(sorted[0])
		rest = sorted[1:]
	}
	// accepted is the last reading whose delta was kept, or the baseline.
	accepted := prev
	advanced := !hasSeed

	for _, r := range rest {
		if hasSeed && r.Timestamp <= seed.ObservedAt {
			res.stats.Stale++
			continue
		}

		curr := pointOf(r)
		entries := absDiff(curr.entries, prev.entries)
		exits := absDiff(curr.exits, prev.exits)

		recovered := false
		if entries >= e.cfg.EntriesThreshold {
			entries = absDiff(curr.entries, accepted.entries)
			recovered = true
		}
		if exits >= e.cfg.ExitsThreshold {
			exits = absDiff(curr.exits, accepted.exits)
			recovered = true
		}

		prev = curr
		advanced = true

		if entries >= e.cfg.EntriesThreshold || exits >= e.cfg.ExitsThreshold {
			res.stats.Dropped++
			res.outliers = append(res.outliers, OutlierDeltaError{
				DeviceID:     id,
				ObservedAt:   curr.ts,
				ActivityCode: curr.code,
				Entries:      entries,
				Exits:        exits,
				RawEntries:   curr.entries,
				RawExits:     curr.exits,
			})
			continue
		}

		if recovered {
			res.stats.Recovered++
		}
		accepted = curr
		res.stats.Emitted++
		res.intervals = append(res.intervals, intervaldomain.Interval{
			DeviceID:     id,
			ObservedAt:   curr.ts,
			ActivityCode: curr.code,
			Entries:      entries,
			Exits:        exits,
		})
	}

	if !advanced {
		res.record = seed
		res.record.DeviceID = id
		return res
	}
	res.record = continuitydomain.Record{
		DeviceID:     id,
		ObservedAt:   prev.ts,
		ActivityCode: prev.code,
		RawEntries:   prev.entries,
		RawExits:     prev.exits,
		SourceBatch:  sourceBatch,
	}
	return res
}

func absDiff(a, b int64) int64 {
	if a < b {
		return b - a
	}
	return a - b
}
