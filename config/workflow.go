package config

import (
	"fmt"
	"strings"
)

// WorkflowConfig tunes the per-turn state machine.
type WorkflowConfig struct {
	MaxRetries            int      `mapstructure:"max_retries"`
	SummaryThreshold      int      `mapstructure:"summary_threshold"`
	VisualizationKeywords []string `mapstructure:"visualization_keywords"`
	AnalyticsKeywords     []string `mapstructure:"analytics_keywords"`
	MaxConcurrentTurns    int      `mapstructure:"max_concurrent_turns"`
	HistoryWindow         int      `mapstructure:"history_window"`
}

// Normalize clamps limits and cleans keyword lists.
func (c WorkflowConfig) Normalize() WorkflowConfig {
	cfg := c
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 8
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.SummaryThreshold < 0 {
		cfg.SummaryThreshold = 0
	}
	cfg.VisualizationKeywords = sanitizeKeywords(cfg.VisualizationKeywords)
	cfg.AnalyticsKeywords = sanitizeKeywords(cfg.AnalyticsKeywords)
	return cfg
}

// Validate checks workflow limits.
func (c WorkflowConfig) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("workflow.max_retries must be positive")
	}
	if c.MaxRetries > 10 {
		return fmt.Errorf("workflow.max_retries must not exceed 10")
	}
	return nil
}

func sanitizeKeywords(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, raw := range values {
		kw := strings.TrimSpace(strings.ToLower(raw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
