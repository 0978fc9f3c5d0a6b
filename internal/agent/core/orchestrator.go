package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/sandbox"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoUserMessage is returned when the state does not end with a user message.
	ErrNoUserMessage = errors.New("conversation has no pending user message")
	// ErrTurnInProgress is returned when the conversation is already being processed.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
)

// Deps are the collaborators of the orchestrator. Nil LLMs fall back to the Knowledge one.
type Deps struct {
	IntentLLM    Generator
	KnowledgeLLM Generator
	AnalyticsLLM Generator
	SummaryLLM   Generator

	Cache     *cache.PromptCache
	Retriever ContextRetriever
	Graph     GraphQuerier
	Readings  ReadingStore
	Sandbox   sandbox.Executor
	Audit     audit.Sink
	Metrics   *telemetry.Metrics
	Logger    *log.Logger
	Now       func() time.Time
}

// ProcessingStatus describes a turn that is currently running.
type ProcessingStatus struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"` // queued, running, cancelled
	Stage          string    `json:"stage,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdated    time.Time `json:"last_updated"`

	cancel context.CancelFunc
}

// Orchestrator runs the per-turn state machine. Turns of different conversations run
// concurrently up to the configured limit.
type Orchestrator struct {
	config  *config.Config
	logger  *log.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	intent     *IntentClassifier
	knowledge  *KnowledgeAgent
	timeseries *TimeseriesFetcher
	analytics  *AnalyticsEngine
	visualizer *Visualizer
	summarizer *Summarizer

	vizKeywords       []string
	analyticsKeywords []string

	processing map[string]*ProcessingStatus
	mu         sync.RWMutex
	semaphore  chan struct{}
}

var orchestratorTracer trace.Tracer = otel.Tracer("buildingqa/internal/agent/orchestrator")

// New wires the stage components from cfg and deps.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.KnowledgeLLM == nil {
		return nil, fmt.Errorf("a knowledge LLM is required")
	}
	if deps.Retriever == nil || deps.Graph == nil {
		return nil, fmt.Errorf("graph retriever and querier are required")
	}
	if deps.Readings == nil || deps.Sandbox == nil {
		return nil, fmt.Errorf("reading store and sandbox are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	pick := func(g Generator) Generator {
		if g == nil {
			return deps.KnowledgeLLM
		}
		return g
	}
	wf := cfg.Workflow.Normalize()
	vizKeywords := wf.VisualizationKeywords
	if len(vizKeywords) == 0 {
		vizKeywords = DefaultVisualizationKeywords
	}
	analyticsKeywords := wf.AnalyticsKeywords
	if len(analyticsKeywords) == 0 {
		analyticsKeywords = DefaultAnalyticsKeywords
	}

	retriever := NewCachedRetriever(deps.Retriever, deps.Cache)
	engine := NewAnalyticsEngine(pick(deps.AnalyticsLLM), deps.Cache, deps.Sandbox, wf.MaxRetries, cfg.Sandbox.Timeout, deps.Metrics, logger)

	return &Orchestrator{
		config:  cfg,
		logger:  logger,
		metrics: deps.Metrics,
		now:     now,
		intent:  NewIntentClassifier(pick(deps.IntentLLM), deps.Cache, retriever, wf.HistoryWindow, cfg.Timeseries.DefaultWindow, now, logger),
		knowledge: NewKnowledgeAgent(deps.KnowledgeLLM, retriever, deps.Graph, deps.Cache, deps.Audit, KnowledgeOptions{
			Prefixes:   cfg.Graph.Prefixes,
			TopK:       cfg.Graph.TopK,
			Hops:       cfg.Graph.Hops,
			MaxTriples: cfg.Graph.MaxTriples,
		}, logger),
		timeseries:        NewTimeseriesFetcher(deps.Readings, deps.KnowledgeLLM, deps.Cache, cfg.Timeseries, now, deps.Metrics, logger),
		analytics:         engine,
		visualizer:        NewVisualizer(engine, logger),
		summarizer:        NewSummarizer(pick(deps.SummaryLLM), deps.Cache, wf.SummaryThreshold, wf.HistoryWindow, logger),
		vizKeywords:       vizKeywords,
		analyticsKeywords: analyticsKeywords,
		processing:        make(map[string]*ProcessingStatus),
		semaphore:         make(chan struct{}, wf.MaxConcurrentTurns),
	}, nil
}

// ProcessTurn answers the latest user message of state. Stage failures become the
// assistant's answer; an error is returned only when the turn could not run at all.
func (o *Orchestrator) ProcessTurn(ctx context.Context, state *ConversationState) (*ConversationState, error) {
	if state == nil || len(state.Messages) == 0 || state.Messages[len(state.Messages)-1].Role != RoleUser {
		return state, ErrNoUserMessage
	}
	startTime := o.now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.process_turn",
		trace.WithAttributes(
			attribute.String("conversation.id", state.ConversationID),
			attribute.Int("conversation.messages", len(state.Messages)),
		))
	defer span.End()

	if o.config.General.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.General.TurnTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	status, err := o.register(state.ConversationID, cancel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	defer o.unregister(state.ConversationID)

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return state, ctx.Err()
	}

	state.resetTurn()
	o.logger.Printf("[ORCH] turn started for conversation %s", state.ConversationID)

	stage := StageIntent
	for steps := 0; stage != StageEnd; steps++ {
		if steps > len(stageNames) {
			err := fmt.Errorf("routing did not terminate after %d steps", steps)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		o.updateStatus(status, "running", stage.String())
		if err := o.runStage(ctx, state, stage); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		next, reason := Route(stage, o.guards(state))
		state.Trace = append(state.Trace, Transition{From: stage, To: next, Reason: reason})
		o.metrics.ObserveTransition(stage.String(), next.String())
		o.logger.Printf("[ORCH] %s -> %s (%s)", stage, next, reason)
		stage = next
	}

	o.summarizer.Update(ctx, state)
	span.SetAttributes(attribute.Int("turn.stages", len(state.StageResults)))
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("[ORCH] turn completed for conversation %s in %v", state.ConversationID, o.now().Sub(startTime))
	return state, nil
}

func (o *Orchestrator) runStage(ctx context.Context, state *ConversationState, stage Stage) error {
	stageCtx, span := orchestratorTracer.Start(ctx, "agent.stage."+stage.String())
	defer span.End()
	start := time.Now()

	var (
		rec = StageResult{Stage: stage}
		ok  bool
	)
	switch stage {
	case StageIntent:
		res := o.intent.Classify(stageCtx, state)
		state.Entities = res.Entities
		state.TimeRange = res.TimeRange
		state.AnalyticsRequired = len(res.RequiredOperations) > 0 || res.Intent == IntentAnalytics
		rec.Intent, ok = &res, !res.Degraded
		span.SetAttributes(attribute.String("intent", string(res.Intent)))

	case StageKnowledgeQuery:
		res := o.knowledge.Run(stageCtx, state, state.IntentResult())
		state.addLabels(res.Labels)
		if res.Success {
			o.reconcileAnalyticsFlag(state, res)
		}
		rec.Knowledge, ok = &res, res.Success
		span.SetAttributes(attribute.String("kg.method", res.Method), attribute.Int("kg.series", len(res.Series)))

	case StageTimeseries:
		var refs []SeriesRef
		if kg := state.KnowledgeResult(); kg != nil {
			refs = kg.Series
		}
		res := o.timeseries.Run(stageCtx, state, refs)
		rec.Timeseries, ok = &res, res.Success
		span.SetAttributes(attribute.Int("ts.records", len(res.Records)), attribute.Bool("ts.no_data", res.NoData))

	case StageAnalytics:
		res := o.runAnalytics(stageCtx, state)
		rec.Analytics, ok = &res, res.Success
		span.SetAttributes(attribute.Int("analytics.attempts", res.Attempts), attribute.Bool("analytics.plot", res.HasPlot()))

	case StageVisualization:
		res := o.visualizer.Run(stageCtx, state)
		rec.Visualization, ok = &res, res.Success
		span.SetAttributes(attribute.String("viz.source", res.Source), attribute.Int("viz.attempts", res.Attempts))

	case StageResponse:
		msg := respond(state, o.now())
		ok = true
		span.SetAttributes(attribute.String("response.stage", fmt.Sprint(msg.Metadata["stage"])))
	}

	o.metrics.ObserveStage(stage.String(), ok, time.Since(start))
	if ok {
		span.SetStatus(codes.Ok, "completed")
	} else {
		span.SetStatus(codes.Error, "stage reported failure")
	}
	if stage == StageResponse {
		return nil
	}
	rec.CompletedAt = o.now().UTC()
	if err := state.Record(rec); err != nil {
		return fmt.Errorf("record %s: %w", stage, err)
	}
	return nil
}

func (o *Orchestrator) runAnalytics(ctx context.Context, state *ConversationState) AnalyticsResult {
	ts := state.TimeseriesResult()
	if ts == nil || len(ts.Records) == 0 {
		return AnalyticsResult{FailureKind: FailureNoData, Error: "no readings to analyse",
			FormattedResponse: "There were no readings to analyse for this question."}
	}
	ds, err := ReadingsDataset(ts.Records, state.Labels)
	if err != nil {
		return AnalyticsResult{FailureKind: FailureInfra, Error: err.Error(),
			FormattedResponse: "I wasn't able to prepare the readings for analysis: " + err.Error()}
	}
	question := state.LatestUserMessage()
	return o.analytics.Analyze(ctx, AnalysisRequest{
		Question: question,
		Dataset:  ds,
		Plot:     MatchesKeyword(question, o.vizKeywords),
	})
}

// reconcileAnalyticsFlag treats the knowledge stage's decision as authoritative and uses
// the keyword heuristic only when no decision was made.
func (o *Orchestrator) reconcileAnalyticsFlag(state *ConversationState, res KnowledgeResult) {
	heuristic := MatchesKeyword(state.LatestUserMessage(), o.analyticsKeywords)
	if !res.AnalyticsDecided {
		state.AnalyticsRequired = state.AnalyticsRequired || heuristic
		return
	}
	if res.AnalyticsRequired != heuristic {
		o.logger.Printf("[ORCH] warn: analytics flag disagreement: model=%t keywords=%t, using model", res.AnalyticsRequired, heuristic)
		o.metrics.IncFlagDisagreement()
	}
	state.AnalyticsRequired = res.AnalyticsRequired
}

func (o *Orchestrator) guards(state *ConversationState) Guards {
	g := Guards{
		Intent:             IntentMetadata,
		AnalyticsRequired:  state.AnalyticsRequired,
		WantsVisualization: MatchesKeyword(state.LatestUserMessage(), o.vizKeywords),
	}
	if in := state.IntentResult(); in != nil {
		g.Intent = in.Intent
	}
	if kg := state.KnowledgeResult(); kg != nil {
		g.KnowledgeOK = kg.Success
	}
	if ts := state.TimeseriesResult(); ts != nil {
		g.TimeseriesOK = ts.Success
		g.TimeseriesNoData = ts.NoData
	}
	if a := state.AnalyticsResult(); a != nil {
		g.PlotProduced = a.HasPlot()
		g.PlotAttempted = a.PlotRequested
	}
	return g
}

func (o *Orchestrator) register(conversationID string, cancel context.CancelFunc) (*ProcessingStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.processing[conversationID]; busy {
		return nil, ErrTurnInProgress
	}
	now := o.now()
	status := &ProcessingStatus{ConversationID: conversationID, Status: "queued", CreatedAt: now, LastUpdated: now, cancel: cancel}
	o.processing[conversationID] = status
	return status, nil
}

func (o *Orchestrator) unregister(conversationID string) {
	o.mu.Lock()
	delete(o.processing, conversationID)
	o.mu.Unlock()
}

// updateStatus updates the processing status
func (o *Orchestrator) updateStatus(status *ProcessingStatus, newStatus, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if status.Status != "cancelled" {
		status.Status = newStatus
	}
	status.Stage = stage
	status.LastUpdated = o.now()
}

// GetStatus returns the status of a running turn.
func (o *Orchestrator) GetStatus(conversationID string) (ProcessingStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status, exists := o.processing[conversationID]
	if !exists {
		return ProcessingStatus{}, fmt.Errorf("conversation not processing: %s", conversationID)
	}
	out := *status
	out.cancel = nil
	return out, nil
}

// CancelProcessing cancels the running turn of a conversation. Stages observe the
// cancellation at their next I/O boundary.
func (o *Orchestrator) CancelProcessing(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	status, exists := o.processing[conversationID]
	if !exists {
		return fmt.Errorf("conversation not processing: %s", conversationID)
	}
	status.Status = "cancelled"
	status.LastUpdated = o.now()
	status.cancel()
	return nil
}
