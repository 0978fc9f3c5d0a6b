package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/graph"
	"github.com/mohammad-safakhou/buildingqa/internal/timeseries"
)

// Stage is one state of the per-turn workflow.
type Stage uint8

const (
	StageIntent Stage = iota
	StageKnowledgeQuery
	StageTimeseries
	StageAnalytics
	StageVisualization
	StageResponse
	StageEnd
)

var stageNames = [...]string{
	StageIntent:         "intent",
	StageKnowledgeQuery: "knowledge_query",
	StageTimeseries:     "timeseries",
	StageAnalytics:      "analytics",
	StageVisualization:  "visualization",
	StageResponse:       "response",
	StageEnd:            "end",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

func (s Stage) MarshalText() ([]byte, error) {
	if int(s) >= len(stageNames) {
		return nil, fmt.Errorf("unknown stage %d", uint8(s))
	}
	return []byte(stageNames[s]), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStage converts a stage name back to its Stage.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return StageEnd, fmt.Errorf("unknown stage %q", name)
}

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentGeneral   Intent = "general"
	IntentMetadata  Intent = "metadata"
	IntentAnalytics Intent = "analytics"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TimeRange bounds the readings a question is about.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (t TimeRange) IsZero() bool { return t.Start.IsZero() && t.End.IsZero() }

// SeriesRef is an identifier/storage pair discovered in the knowledge graph.
type SeriesRef struct {
	Identifier      string `json:"identifier"`
	StorageLocation string `json:"storage_location,omitempty"`
	Label           string `json:"label,omitempty"`
}

// MediaArtifact is an embedded output file such as a rendered plot.
type MediaArtifact struct {
	Kind    string `json:"kind"`
	MIME    string `json:"mime"`
	Path    string `json:"path"`
	DataURI string `json:"data_uri"`
}

// IntentResult is the output of the intent classifier.
type IntentResult struct {
	Intent             Intent    `json:"intent"`
	Entities           []string  `json:"entities,omitempty"`
	RequiredOperations []string  `json:"required_operations,omitempty"`
	TimeRange          TimeRange `json:"time_range"`
	DirectAnswer       string    `json:"direct_answer,omitempty"`
	Reasoning          string    `json:"reasoning,omitempty"`
	Degraded           bool      `json:"degraded,omitempty"`
}

// Knowledge query methods
const (
	MethodQuery           = "query"
	MethodFallback        = "fallback_reasoning"
	MethodDirectReasoning = "direct_reasoning"
	MethodNotFound        = "not_found"
	MethodQueryFailed     = "query_failed"
	MethodUnreachable     = "store_unreachable"
)

// KnowledgeResult is the output of the knowledge query agent.
type KnowledgeResult struct {
	Success           bool              `json:"success"`
	Method            string            `json:"method"`
	QueryText         string            `json:"query_text,omitempty"`
	RawResults        []graph.Row       `json:"raw_results,omitempty"`
	FormattedResponse string            `json:"formatted_response"`
	AnalyticsRequired bool              `json:"analytics_required"`
	AnalyticsDecided  bool              `json:"analytics_decided"`
	Reasoning         string            `json:"reasoning,omitempty"`
	Series            []SeriesRef       `json:"series,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// SeriesStats summarises the readings of one identifier.
type SeriesStats struct {
	Identifier string    `json:"identifier"`
	Count      int       `json:"count"`
	Mean       float64   `json:"mean"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Latest     float64   `json:"latest"`
	LatestAt   time.Time `json:"latest_at"`
}

// TimeseriesResult is the output of the time-series fetcher.
type TimeseriesResult struct {
	Success           bool                 `json:"success"`
	NoData            bool                 `json:"no_data,omitempty"`
	Records           []timeseries.Reading `json:"records,omitempty"`
	Stats             []SeriesStats        `json:"stats,omitempty"`
	FetchedIDs        []string             `json:"fetched_ids,omitempty"`
	Dropped           []string             `json:"dropped,omitempty"`
	FormattedResponse string               `json:"formatted_response"`
	Error             string               `json:"error,omitempty"`
}

// Failure kinds of the analytics engine
const (
	FailureExecution = "execution"
	FailureTimeout   = "timeout"
	FailureInfra     = "infrastructure"
	FailureNoData    = "no_data"
)

// AnalyticsResult is the output of the analytics engine. Attempts counts sandbox executions.
type AnalyticsResult struct {
	Success           bool            `json:"success"`
	Code              string          `json:"code,omitempty"`
	Template          string          `json:"template,omitempty"`
	Output            string          `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	FailureKind       string          `json:"failure_kind,omitempty"`
	Attempts          int             `json:"attempts"`
	PlotRequested     bool            `json:"plot_requested,omitempty"`
	FormattedResponse string          `json:"formatted_response"`
	Media             []MediaArtifact `json:"media,omitempty"`
}

// HasPlot reports whether the run produced an image artifact.
func (a *AnalyticsResult) HasPlot() bool {
	return a != nil && len(a.Media) > 0
}

// VisualizationResult is the output of the visualization stage.
type VisualizationResult struct {
	Success           bool            `json:"success"`
	Source            string          `json:"source,omitempty"`
	Code              string          `json:"code,omitempty"`
	Error             string          `json:"error,omitempty"`
	Attempts          int             `json:"attempts"`
	FormattedResponse string          `json:"formatted_response"`
	Media             []MediaArtifact `json:"media,omitempty"`
}

// StageResult is one entry of the per-turn result log. Exactly one payload is set,
// matching Stage.
type StageResult struct {
	Stage         Stage                `json:"stage"`
	Intent        *IntentResult        `json:"intent,omitempty"`
	Knowledge     *KnowledgeResult     `json:"knowledge,omitempty"`
	Timeseries    *TimeseriesResult    `json:"timeseries,omitempty"`
	Analytics     *AnalyticsResult     `json:"analytics,omitempty"`
	Visualization *VisualizationResult `json:"visualization,omitempty"`
	CompletedAt   time.Time            `json:"completed_at"`
}

func (r StageResult) payloadCount() int {
	n := 0
	if r.Intent != nil {
		n++
	}
	if r.Knowledge != nil {
		n++
	}
	if r.Timeseries != nil {
		n++
	}
	if r.Analytics != nil {
		n++
	}
	if r.Visualization != nil {
		n++
	}
	return n
}

func (r StageResult) matchesStage() bool {
	switch r.Stage {
	case StageIntent:
		return r.Intent != nil
	case StageKnowledgeQuery:
		return r.Knowledge != nil
	case StageTimeseries:
		return r.Timeseries != nil
	case StageAnalytics:
		return r.Analytics != nil
	case StageVisualization:
		return r.Visualization != nil
	}
	return false
}

// Transition records one routing decision.
type Transition struct {
	From   Stage  `json:"from"`
	To     Stage  `json:"to"`
	Reason string `json:"reason"`
}

// ConversationState is the unit of work of one conversation. StageResults, Trace and
// AnalyticsRequired describe the current turn only and are reset when a turn starts.
type ConversationState struct {
	ConversationID    string            `json:"conversation_id"`
	UserID            string            `json:"user_id,omitempty"`
	Messages          []Message         `json:"messages"`
	Summary           string            `json:"summary,omitempty"`
	StageResults      []StageResult     `json:"stage_results,omitempty"`
	AnalyticsRequired bool              `json:"analytics_required"`
	Entities          []string          `json:"entities,omitempty"`
	TimeRange         TimeRange         `json:"time_range"`
	Labels            map[string]string `json:"labels,omitempty"`
	Trace             []Transition      `json:"trace,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Record appends a stage result. A stage can record once per turn, and the payload must
// match the stage.
func (s *ConversationState) Record(r StageResult) error {
	if r.payloadCount() != 1 || !r.matchesStage() {
		return fmt.Errorf("stage result for %s must carry exactly its own payload", r.Stage)
	}
	if _, ok := s.Result(r.Stage); ok {
		return fmt.Errorf("stage %s already recorded this turn", r.Stage)
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	s.StageResults = append(s.StageResults, r)
	return nil
}

// Result returns the result recorded for stage in the current turn.
func (s *ConversationState) Result(stage Stage) (StageResult, bool) {
	for _, r := range s.StageResults {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

func (s *ConversationState) IntentResult() *IntentResult {
	r, _ := s.Result(StageIntent)
	return r.Intent
}

func (s *ConversationState) KnowledgeResult() *KnowledgeResult {
	r, _ := s.Result(StageKnowledgeQuery)
	return r.Knowledge
}

func (s *ConversationState) TimeseriesResult() *TimeseriesResult {
	r, _ := s.Result(StageTimeseries)
	return r.Timeseries
}

func (s *ConversationState) AnalyticsResult() *AnalyticsResult {
	r, _ := s.Result(StageAnalytics)
	return r.Analytics
}

func (s *ConversationState) VisualizationResult() *VisualizationResult {
	r, _ := s.Result(StageVisualization)
	return r.Visualization
}

// LatestUserMessage returns the content of the last user message.
func (s *ConversationState) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// RecentMessages returns up to n messages preceding the latest user message.
func (s *ConversationState) RecentMessages(n int) []Message {
	end := len(s.Messages)
	for end > 0 && s.Messages[end-1].Role != RoleUser {
		end--
	}
	if end > 0 {
		end--
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return s.Messages[start:end]
}

func (s *ConversationState) resetTurn() {
	s.StageResults = nil
	s.Trace = nil
	s.AnalyticsRequired = false
}

func (s *ConversationState) addLabels(labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	if s.Labels == nil {
		s.Labels = make(map[string]string, len(labels))
	}
	for k, v := range labels {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			s.Labels[k] = v
		}
	}
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error)
}

// ContextRetriever returns bounded graph context for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, topK, hops int) (graph.Context, error)
}

// GraphQuerier executes structured graph queries.
type GraphQuerier interface {
	Query(ctx context.Context, query string) ([]graph.Row, error)
}

// ReadingStore retrieves time-series readings.
type ReadingStore interface {
	FetchRaw(ctx context.Context, location string, ids []string, start, end time.Time) ([]timeseries.Reading, error)
	Query(ctx context.Context, query string) ([]timeseries.Reading, error)
}
