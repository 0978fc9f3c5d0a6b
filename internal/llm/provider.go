// Package llm adapts hosted model APIs to a single text-in/text-out interface and
// spaces outbound calls with a shared throttle.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
)

// Provider generates a completion for a single prompt.
// Recognised options: "temperature" (float64) and "max_tokens" (int).
type Provider interface {
	Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error)
}

// New creates a provider for one configuration entry.
func New(cfg config.LLMProvider) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Type)
	}
}

// Registry holds the configured providers behind one shared throttle.
type Registry struct {
	cfg       config.LLMConfig
	providers map[string]Provider
}

// NewRegistry builds every configured provider. All of them share one throttle, so the
// minimum spacing applies to the process as a whole.
func NewRegistry(cfg config.LLMConfig, clock Clock, metrics *telemetry.Metrics) (*Registry, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	throttle := NewThrottle(cfg.MinInterval, clock)
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	reg := &Registry{cfg: cfg, providers: make(map[string]Provider, len(names))}
	for _, name := range names {
		p, err := New(cfg.Providers[name])
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
		reg.providers[name] = Wrap(p, name, throttle, metrics)
	}
	return reg, nil
}

// For returns the provider routed to stage (intent, knowledge, analytics, summary).
func (r *Registry) For(stage string) Provider {
	if p, ok := r.providers[r.cfg.ProviderFor(stage)]; ok {
		return p
	}
	return r.providers[r.cfg.Default]
}

type wrapped struct {
	next     Provider
	name     string
	throttle *Throttle
	metrics  *telemetry.Metrics
}

// Wrap applies throttling and metrics to p.
func Wrap(p Provider, name string, throttle *Throttle, metrics *telemetry.Metrics) Provider {
	return &wrapped{next: p, name: name, throttle: throttle, metrics: metrics}
}

func (w *wrapped) Generate(ctx context.Context, prompt string, options map[string]interface{}) (string, error) {
	if w.throttle != nil {
		if _, err := w.throttle.Wait(ctx); err != nil {
			return "", err
		}
	}
	start := time.Now()
	out, err := w.next.Generate(ctx, prompt, options)
	w.metrics.ObserveLLM(w.name, err == nil, time.Since(start))
	return out, err
}

func floatOption(options map[string]interface{}, key string, def float64) float64 {
	if v, ok := options[key].(float64); ok {
		return v
	}
	return def
}

func intOption(options map[string]interface{}, key string, def int) int {
	if v, ok := options[key].(int); ok && v > 0 {
		return v
	}
	return def
}
