package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/internal/graph"
)

const noPlotData = "There is no data to plot for this question. Ask about specific sensors or a time range with readings."

// Visualizer renders a plot from the data gathered earlier in the turn.
type Visualizer struct {
	engine *AnalyticsEngine
	logger *log.Logger
}

func NewVisualizer(engine *AnalyticsEngine, logger *log.Logger) *Visualizer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Visualizer{engine: engine, logger: logger}
}

// Run plots the turn's readings when present, otherwise the knowledge graph rows.
func (v *Visualizer) Run(ctx context.Context, state *ConversationState) VisualizationResult {
	ds, source, err := plotDataset(state)
	if err != nil {
		v.logger.Printf("[ORCH] warn: building plot dataset failed: %v", err)
		return VisualizationResult{Error: err.Error(), FormattedResponse: "I couldn't prepare the data for plotting: " + err.Error()}
	}
	if source == "" {
		return VisualizationResult{Error: "no data", FormattedResponse: noPlotData}
	}
	res := v.engine.Analyze(ctx, AnalysisRequest{Question: state.LatestUserMessage(), Dataset: ds, Plot: true})
	out := VisualizationResult{
		Success:           res.Success && res.HasPlot(),
		Source:            source,
		Code:              res.Code,
		Error:             res.Error,
		Attempts:          res.Attempts,
		FormattedResponse: res.FormattedResponse,
		Media:             res.Media,
	}
	if res.Success && !res.HasPlot() {
		out.Error = "script finished without saving a plot"
	}
	return out
}

func plotDataset(state *ConversationState) (Dataset, string, error) {
	if ts := state.TimeseriesResult(); ts != nil && len(ts.Records) > 0 {
		ds, err := ReadingsDataset(ts.Records, state.Labels)
		return ds, StageTimeseries.String(), err
	}
	if kg := state.KnowledgeResult(); kg != nil && len(kg.RawResults) > 0 {
		ds, err := rowsDataset(kg.RawResults)
		return ds, StageKnowledgeQuery.String(), err
	}
	return Dataset{}, "", nil
}

func rowsDataset(rows []graph.Row) (Dataset, error) {
	set := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return Dataset{}, err
	}
	for _, r := range rows {
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = r[c]
		}
		if err := w.Write(rec); err != nil {
			return Dataset{}, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Dataset{}, err
	}
	return Dataset{
		Name:        "results",
		CSV:         buf.Bytes(),
		Description: "Knowledge graph query results with columns: " + strings.Join(cols, ", ") + ". All values are strings.",
	}, nil
}
