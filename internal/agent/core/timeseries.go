package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
	"github.com/mohammad-safakhou/buildingqa/internal/timeseries"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TimeseriesFetcher retrieves readings for the series discovered by the knowledge agent.
type TimeseriesFetcher struct {
	store           ReadingStore
	llm             Generator
	cache           *cache.PromptCache
	maxPerGroup     int
	defaultLocation string
	defaultWindow   time.Duration
	columns         config.TimeseriesColumns
	now             func() time.Time
	metrics         *telemetry.Metrics
	logger          *log.Logger
}

func NewTimeseriesFetcher(store ReadingStore, llm Generator, pc *cache.PromptCache, cfg config.TimeseriesConfig, now func() time.Time, metrics *telemetry.Metrics, logger *log.Logger) *TimeseriesFetcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if now == nil {
		now = time.Now
	}
	maxPerGroup := cfg.MaxPerGroup
	if maxPerGroup <= 0 {
		maxPerGroup = 3
	}
	window := cfg.DefaultWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	cols := cfg.Columns
	if cols.Timestamp == "" {
		cols = config.TimeseriesColumns{Timestamp: "time", Identifier: "uuid", Value: "value"}
	}
	return &TimeseriesFetcher{
		store: store, llm: llm, cache: pc, maxPerGroup: maxPerGroup,
		defaultLocation: cfg.DefaultLocation, defaultWindow: window, columns: cols,
		now: now, metrics: metrics, logger: logger,
	}
}

// fetchGroup is the set of identifiers stored at one location.
type fetchGroup struct {
	location string
	ids      []string
}

// planGroups groups refs by storage location in the order their first identifier is seen,
// de-duplicates identifiers across all groups and keeps the first maxPerGroup identifiers of
// each group. Refs without a location use defaultLocation. Every group holds at least one
// identifier. The dropped identifiers are returned in order.
func planGroups(refs []SeriesRef, defaultLocation string, maxPerGroup int) ([]fetchGroup, []string) {
	var (
		groups  []fetchGroup
		dropped []string
	)
	index := map[string]int{}
	seen := map[string]struct{}{}
	for _, r := range refs {
		id := strings.TrimSpace(r.Identifier)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		loc := strings.TrimSpace(r.StorageLocation)
		if loc == "" {
			loc = defaultLocation
		}
		i, ok := index[loc]
		if !ok {
			i = len(groups)
			index[loc] = i
			groups = append(groups, fetchGroup{location: loc})
		}
		if len(groups[i].ids) >= maxPerGroup {
			dropped = append(dropped, id)
			continue
		}
		groups[i].ids = append(groups[i].ids, id)
	}
	return groups, dropped
}

// Run fetches readings for refs within the turn's time range and marks the turn as
// requiring analytics.
func (f *TimeseriesFetcher) Run(ctx context.Context, state *ConversationState, refs []SeriesRef) TimeseriesResult {
	state.AnalyticsRequired = true
	tr := f.resolveRange(state.TimeRange)
	question := state.LatestUserMessage()

	groups, dropped := planGroups(refs, f.defaultLocation, f.maxPerGroup)
	if len(dropped) > 0 {
		f.logger.Printf("[TS] warn: capped identifiers at %d per storage location, dropped %d: %v", f.maxPerGroup, len(dropped), dropped)
		f.metrics.AddIdentifiersDropped(len(dropped))
	}
	if len(groups) == 0 {
		groups = []fetchGroup{{location: f.defaultLocation}}
	}

	var (
		records []timeseries.Reading
		fetched []string
		errs    []error
		failed  int
	)
	for _, g := range groups {
		var (
			rows []timeseries.Reading
			err  error
		)
		if len(g.ids) > 0 {
			rows, err = f.store.FetchRaw(ctx, g.location, g.ids, tr.Start, tr.End)
		} else {
			rows, err = f.generatedFetch(ctx, question, g.location, tr)
		}
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("%s: %w", displayLocation(g.location), err))
			f.logger.Printf("[TS] warn: fetch from %s failed: %v", displayLocation(g.location), err)
			continue
		}
		fetched = append(fetched, g.ids...)
		records = append(records, rows...)
	}

	res := TimeseriesResult{FetchedIDs: fetched, Dropped: dropped}
	// An empty result next to a failed group is reported as the failure, not as missing data.
	if failed == len(groups) || (failed > 0 && len(records) == 0) {
		err := errors.Join(errs...)
		res.Error = err.Error()
		res.FormattedResponse = "I couldn't retrieve the sensor readings: " + err.Error()
		return res
	}
	res.Success = true
	if len(records) == 0 {
		res.NoData = true
		res.FormattedResponse = fmt.Sprintf("No readings were found for %s between %s and %s.",
			describeSeries(fetched, state.Labels), tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339))
		return res
	}
	res.Records = records
	res.Stats = Summarize(records)
	res.FormattedResponse = formatStats(res.Stats, state.Labels, tr)
	f.logger.Printf("[TS] %d readings for %d series", len(records), len(res.Stats))
	return res
}

func (f *TimeseriesFetcher) generatedFetch(ctx context.Context, question, location string, tr TimeRange) ([]timeseries.Reading, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("no storage location known for this question")
	}
	if f.llm == nil {
		return nil, fmt.Errorf("no identifiers and no query generator configured")
	}
	if _, err := timeseries.QuoteLocation(location); err != nil {
		return nil, err
	}
	prompt := timeseriesQueryPrompt(question, location, [3]string{f.columns.Timestamp, f.columns.Identifier, f.columns.Value}, tr)
	raw, err := cachedGenerate(ctx, f.llm, f.cache, "ts_sql", prompt, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return nil, fmt.Errorf("generate query: %w", err)
	}
	return f.store.Query(ctx, extractCode(raw))
}

func (f *TimeseriesFetcher) resolveRange(tr TimeRange) TimeRange {
	if tr.End.IsZero() {
		tr.End = f.now().UTC()
	}
	if tr.Start.IsZero() || !tr.Start.Before(tr.End) {
		tr.Start = tr.End.Add(-f.defaultWindow)
	}
	return tr
}

// Summarize computes per-identifier statistics, ordered by identifier.
func Summarize(records []timeseries.Reading) []SeriesStats {
	byID := map[string][]timeseries.Reading{}
	for _, r := range records {
		byID[r.Identifier] = append(byID[r.Identifier], r)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]SeriesStats, 0, len(ids))
	for _, id := range ids {
		rs := byID[id]
		vals := make([]float64, len(rs))
		latest := rs[0]
		for i, r := range rs {
			vals[i] = r.Value
			if !r.Timestamp.Before(latest.Timestamp) {
				latest = r
			}
		}
		out = append(out, SeriesStats{
			Identifier: id,
			Count:      len(vals),
			Mean:       stat.Mean(vals, nil),
			Min:        floats.Min(vals),
			Max:        floats.Max(vals),
			Latest:     latest.Value,
			LatestAt:   latest.Timestamp,
		})
	}
	return out
}

func formatStats(stats []SeriesStats, labels map[string]string, tr TimeRange) string {
	var sb strings.Builder
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	fmt.Fprintf(&sb, "Retrieved %d readings for %d series between %s and %s.\n", total, len(stats),
		tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339))
	for _, s := range stats {
		fmt.Fprintf(&sb, "- %s: latest %.2f at %s, mean %.2f (min %.2f, max %.2f, %d readings)\n",
			labelFor(s.Identifier, labels), s.Latest, s.LatestAt.UTC().Format(time.RFC3339), s.Mean, s.Min, s.Max, s.Count)
	}
	return strings.TrimSpace(sb.String())
}

func labelFor(id string, labels map[string]string) string {
	if l, ok := labels[id]; ok && l != "" {
		return l
	}
	return id
}

func describeSeries(ids []string, labels map[string]string) string {
	if len(ids) == 0 {
		return "the requested sensors"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = labelFor(id, labels)
	}
	return strings.Join(names, ", ")
}

func displayLocation(loc string) string {
	if loc == "" {
		return "(default location)"
	}
	return loc
}
