package core

import "strings"

// Guards are the decision inputs of one transition.
type Guards struct {
	Intent             Intent
	KnowledgeOK        bool
	AnalyticsRequired  bool
	WantsVisualization bool
	TimeseriesOK       bool
	TimeseriesNoData   bool
	PlotProduced       bool
	// PlotAttempted is set once analytics ran in plot mode, whatever the outcome.
	PlotAttempted bool
}

// Route returns the stage that follows from, together with a short reason. It is total:
// every stage has a successor for every guard value, and StageEnd maps to itself.
func Route(from Stage, g Guards) (Stage, string) {
	switch from {
	case StageIntent:
		if g.Intent == IntentGeneral {
			return StageResponse, "general intent answered directly"
		}
		return StageKnowledgeQuery, "intent " + string(g.Intent) + " needs the knowledge graph"
	case StageKnowledgeQuery:
		switch {
		case !g.KnowledgeOK:
			return StageResponse, "knowledge query failed"
		case g.AnalyticsRequired:
			return StageTimeseries, "analytics required"
		case g.WantsVisualization:
			return StageVisualization, "visualization requested"
		default:
			return StageResponse, "static answer"
		}
	case StageTimeseries:
		switch {
		case !g.TimeseriesOK:
			return StageResponse, "time-series fetch failed"
		case g.TimeseriesNoData:
			return StageResponse, "no readings in range"
		default:
			return StageAnalytics, "readings fetched"
		}
	case StageAnalytics:
		switch {
		case g.PlotProduced:
			return StageResponse, "analytics produced a plot"
		case g.PlotAttempted:
			return StageResponse, "plot already attempted in analytics"
		case g.WantsVisualization:
			return StageVisualization, "visualization requested"
		default:
			return StageResponse, "analysis complete"
		}
	case StageVisualization:
		return StageResponse, "visualization complete"
	case StageResponse:
		return StageEnd, "turn complete"
	default:
		return StageEnd, "terminal"
	}
}

// MatchesKeyword reports whether text contains any keyword as a case-insensitive substring.
func MatchesKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// DefaultVisualizationKeywords trigger the visualization stage.
var DefaultVisualizationKeywords = []string{
	"plot", "chart", "visualize", "visualise", "visualization", "draw", "diagram", "histogram",
}

// DefaultAnalyticsKeywords suggest numeric processing when no model decision is available.
var DefaultAnalyticsKeywords = []string{
	"average", "mean", "maximum", "minimum", "trend", "current", "latest", "reading",
	"consumption", "over the last", "yesterday", "today", "last week", "last 24", "peak",
}
