// Package audit persists one record per completed knowledge-query stage. Records are
// informational and never read back by the workflow.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
)

// Record is the audit artifact written after a knowledge query.
type Record struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversation_id"`
	Timestamp         time.Time           `json:"timestamp"`
	UserQuery         string              `json:"user_query"`
	AnalyticsRequired bool                `json:"analytics_required"`
	Reasoning         string              `json:"reasoning"`
	QueryText         string              `json:"query_text"`
	QueryResults      []map[string]string `json:"query_results"`
	FormattedResponse string              `json:"formatted_response"`
}

// Sink stores audit records.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.QueryResults == nil {
		rec.QueryResults = []map[string]string{}
	}
}

// MultiSink fans a record out to every sink. A failing sink does not stop the others.
type MultiSink struct {
	sinks   []Sink
	metrics *telemetry.Metrics
	logger  *log.Logger
}

func NewMultiSink(metrics *telemetry.Metrics, logger *log.Logger, sinks ...Sink) *MultiSink {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MultiSink{sinks: sinks, metrics: metrics, logger: logger}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Write(ctx context.Context, rec Record) error {
	prepare(&rec)
	var errs []error
	for _, s := range m.sinks {
		err := s.Write(ctx, rec)
		m.metrics.ObserveAudit(s.Name(), err == nil)
		if err != nil {
			m.logger.Printf("[AUDIT] warn: sink %s failed for conversation %s: %v", s.Name(), rec.ConversationID, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
