package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/sandbox"
	"github.com/mohammad-safakhou/buildingqa/internal/telemetry"
	"github.com/mohammad-safakhou/buildingqa/internal/timeseries"
)

// Dataset is the CSV file handed to an analysis script as data/<Name>.csv.
type Dataset struct {
	Name        string
	CSV         []byte
	Description string
}

// AnalysisRequest asks the engine to answer Question over Dataset.
type AnalysisRequest struct {
	Question string
	Dataset  Dataset
	Plot     bool
}

const readingsDataset = "timeseries"

type analyticsPhase uint8

const (
	phaseGenerate analyticsPhase = iota
	phaseExecute
	phaseRepair
	phaseFormat
	phaseFailed
)

// AnalyticsEngine generates analysis scripts, runs them in the sandbox and repairs failures
// up to a fixed number of executions.
type AnalyticsEngine struct {
	llm        Generator
	cache      *cache.PromptCache
	exec       sandbox.Executor
	maxRetries int
	timeout    time.Duration
	metrics    *telemetry.Metrics
	logger     *log.Logger
}

func NewAnalyticsEngine(llm Generator, pc *cache.PromptCache, exec sandbox.Executor, maxRetries int, timeout time.Duration, metrics *telemetry.Metrics, logger *log.Logger) *AnalyticsEngine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnalyticsEngine{llm: llm, cache: pc, exec: exec, maxRetries: maxRetries, timeout: timeout, metrics: metrics, logger: logger}
}

// Analyze runs the generate, execute and repair cycle. Attempts never exceeds the retry
// bound and a failed result carries the error of the last execution.
func (e *AnalyticsEngine) Analyze(ctx context.Context, req AnalysisRequest) AnalyticsResult {
	var (
		res     AnalyticsResult
		out     sandbox.Result
		lastErr string
	)
	res.PlotRequested = req.Plot
	phase := phaseGenerate
	for {
		switch phase {
		case phaseGenerate:
			if tpl, code, ok := templateFor(req); ok {
				res.Template, res.Code = tpl, code
				phase = phaseExecute
				continue
			}
			raw, err := e.llm.Generate(ctx, codeGenerationPrompt(req), map[string]interface{}{"temperature": 0.0, "max_tokens": 1500})
			if err != nil {
				lastErr = "code generation failed: " + err.Error()
				res.FailureKind = FailureInfra
				phase = phaseFailed
				continue
			}
			res.Code = extractCode(raw)
			phase = phaseExecute

		case phaseExecute:
			res.Attempts++
			var err error
			out, err = e.exec.Execute(ctx, sandbox.Job{
				Code:    res.Code,
				Files:   map[string][]byte{"data/" + req.Dataset.Name + ".csv": req.Dataset.CSV},
				Timeout: e.timeout,
			})
			switch {
			case errors.Is(err, sandbox.ErrTimeout):
				e.metrics.ObserveSandbox("timeout")
				lastErr = fmt.Sprintf("the analysis script exceeded its %s time limit", e.timeout)
				res.FailureKind = FailureTimeout
				phase = phaseFailed
			case err != nil:
				e.metrics.ObserveSandbox("error")
				lastErr = "sandbox unavailable: " + err.Error()
				res.FailureKind = FailureInfra
				phase = phaseFailed
			case out.Success:
				e.metrics.ObserveSandbox("success")
				phase = phaseFormat
			default:
				e.metrics.ObserveSandbox("failure")
				lastErr = out.Error
				if lastErr == "" {
					lastErr = fmt.Sprintf("script exited with status %d", out.ExitCode)
				}
				e.logger.Printf("[ANALYTICS] warn: attempt %d/%d failed: %s", res.Attempts, e.maxRetries, truncate(lastErr, 200))
				res.FailureKind = FailureExecution
				if res.Attempts >= e.maxRetries {
					phase = phaseFailed
				} else {
					phase = phaseRepair
				}
			}

		case phaseRepair:
			raw, err := e.llm.Generate(ctx, codeRepairPrompt(req, res.Code, lastErr), map[string]interface{}{"temperature": 0.0, "max_tokens": 1500})
			if err != nil {
				e.logger.Printf("[ANALYTICS] warn: repair generation failed: %v", err)
				phase = phaseFailed
				continue
			}
			res.Code = extractCode(raw)
			res.Template = ""
			phase = phaseExecute

		case phaseFormat:
			e.metrics.ObserveAnalyticsAttempts(res.Attempts)
			res.Success = true
			res.FailureKind = ""
			res.Output = stripMarker(out.Stdout)
			if strings.Contains(out.Stdout, PlotMarker) || req.Plot {
				if img, ok := out.Artifacts[PlotPath]; ok && len(img) > 0 {
					res.Media = append(res.Media, MediaArtifact{
						Kind:    "plot",
						MIME:    "image/png",
						Path:    PlotPath,
						DataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
					})
				} else {
					e.logger.Printf("[ANALYTICS] warn: plot expected but %s was not produced", PlotPath)
				}
			}
			res.FormattedResponse = e.summarize(ctx, req.Question, res.Output, res.HasPlot())
			e.logger.Printf("[ANALYTICS] succeeded after %d attempt(s)", res.Attempts)
			return res

		case phaseFailed:
			e.metrics.ObserveAnalyticsAttempts(res.Attempts)
			if res.FailureKind == "" {
				res.FailureKind = FailureExecution
			}
			res.Error = lastErr
			res.FormattedResponse = "I wasn't able to complete the analysis: " + lastErr
			e.logger.Printf("[ANALYTICS] warn: giving up after %d attempt(s): %s", res.Attempts, truncate(lastErr, 200))
			return res
		}
	}
}

func (e *AnalyticsEngine) summarize(ctx context.Context, question, output string, hasPlot bool) string {
	if strings.TrimSpace(output) == "" {
		if hasPlot {
			return "Here is the plot you asked for."
		}
		return "The analysis completed but printed no result."
	}
	if e.llm == nil {
		return output
	}
	text, err := cachedGenerate(ctx, e.llm, e.cache, "analytics_summary", analysisSummaryPrompt(question, output, hasPlot), map[string]interface{}{"temperature": 0.2})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			e.logger.Printf("[ANALYTICS] warn: summary failed, returning raw output: %v", err)
		}
		return output
	}
	return strings.TrimSpace(text)
}

func stripMarker(stdout string) string {
	lines := strings.Split(stdout, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) == PlotMarker {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ReadingsDataset renders readings as the CSV handed to analysis scripts.
func ReadingsDataset(records []timeseries.Reading, labels map[string]string) (Dataset, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "identifier", "label", "value"}); err != nil {
		return Dataset{}, err
	}
	for _, r := range records {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Identifier,
			labelFor(r.Identifier, labels),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return Dataset{}, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Dataset{}, err
	}
	return Dataset{
		Name:        readingsDataset,
		CSV:         buf.Bytes(),
		Description: "Columns: timestamp (ISO 8601, UTC), identifier (sensor id), label (human-readable sensor name), value (float).",
	}, nil
}

var analysisTemplates = []struct {
	name     string
	keywords []string
	body     string
}{
	{"latest", []string{"latest", "current", "right now", "most recent"}, `latest = df.sort_values("timestamp").groupby("label").tail(1)
for _, row in latest.iterrows():
    print(f"{row['label']}: {row['value']:.2f} at {row['timestamp']}")`},
	{"average", []string{"average", "mean"}, `for label, value in df.groupby("label")["value"].mean().items():
    print(f"{label}: average {value:.2f}")`},
	{"min", []string{"minimum", "lowest", " min "}, `idx = df.groupby("label")["value"].idxmin()
for _, row in df.loc[idx].iterrows():
    print(f"{row['label']}: minimum {row['value']:.2f} at {row['timestamp']}")`},
	{"max", []string{"maximum", "highest", "peak", " max "}, `idx = df.groupby("label")["value"].idxmax()
for _, row in df.loc[idx].iterrows():
    print(f"{row['label']}: maximum {row['value']:.2f} at {row['timestamp']}")`},
	{"count", []string{"how many readings", "number of readings", "count"}, `for label, n in df.groupby("label")["value"].count().items():
    print(f"{label}: {n} readings")`},
}

const templatePreamble = `import pandas as pd

df = pd.read_csv("data/%s.csv")
df["timestamp"] = pd.to_datetime(df["timestamp"], utc=True)
df["value"] = pd.to_numeric(df["value"], errors="coerce")
df = df.dropna(subset=["value"])
if df.empty:
    print("No numeric readings in the selected range.")
    raise SystemExit(0)
`

// templateFor picks a canned script for simple aggregate questions over the readings dataset.
func templateFor(req AnalysisRequest) (string, string, bool) {
	if req.Plot || req.Dataset.Name != readingsDataset {
		return "", "", false
	}
	q := " " + strings.ToLower(req.Question) + " "
	for _, t := range analysisTemplates {
		if MatchesKeyword(q, t.keywords) {
			return t.name, fmt.Sprintf(templatePreamble, req.Dataset.Name) + t.body + "\n", true
		}
	}
	return "", "", false
}
