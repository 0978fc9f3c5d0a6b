package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/sandbox"
)

func readingsRequest(t *testing.T, question string, plot bool) AnalysisRequest {
	t.Helper()
	ds, err := ReadingsDataset(hourlyReadings("ts-504", 24, 21), map[string]string{"ts-504": "Sensor_5.04"})
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return AnalysisRequest{Question: question, Dataset: ds, Plot: plot}
}

func failing(msg string) sandboxStep {
	return sandboxStep{res: sandbox.Result{Success: false, Error: msg, ExitCode: 1}}
}

func TestAnalyzeRetryBound(t *testing.T) {
	llm := newScriptedLLM().
		on(pCodeGen, "```python\nprint(df)\n```").
		on(pCodeRepair, "```python\nprint(1)\n```", "```python\nprint(2)\n```", "```python\nprint(3)\n```")
	sb := &fakeSandbox{steps: []sandboxStep{
		failing("NameError: name 'df' is not defined"),
		failing("TypeError: unsupported operand"),
		failing("KeyError: 'temperature'"),
		failing("should never run"),
	}}
	engine := NewAnalyticsEngine(llm, nil, sb, 3, time.Second, nil, nil)

	res := engine.Analyze(context.Background(), readingsRequest(t, "Is the temperature trend rising?", false))
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Attempts != 3 || len(sb.jobs) != 3 {
		t.Fatalf("attempts = %d, executions = %d, want 3", res.Attempts, len(sb.jobs))
	}
	if res.Error != "KeyError: 'temperature'" || res.FailureKind != FailureExecution {
		t.Fatalf("surfaced error = %q (%s)", res.Error, res.FailureKind)
	}
	if !strings.Contains(res.FormattedResponse, "KeyError: 'temperature'") {
		t.Fatalf("response does not explain the failure: %q", res.FormattedResponse)
	}
	if llm.callsMatching(pCodeRepair) != 2 {
		t.Fatalf("expected two repairs, got %d", llm.callsMatching(pCodeRepair))
	}
	if !strings.Contains(llm.prompts[len(llm.prompts)-1], "TypeError: unsupported operand") {
		t.Fatal("repair prompt must carry the previous error")
	}
}

func TestAnalyzeTimeoutIsNotRetried(t *testing.T) {
	llm := newScriptedLLM().on(pCodeGen, "```python\nwhile True: pass\n```")
	sb := &fakeSandbox{steps: []sandboxStep{{res: sandbox.Result{TimedOut: true}, err: fmt.Errorf("docker: %w", sandbox.ErrTimeout)}}}
	engine := NewAnalyticsEngine(llm, nil, sb, 3, 2*time.Second, nil, nil)

	res := engine.Analyze(context.Background(), readingsRequest(t, "Is the temperature trend rising?", false))
	if res.Success || res.FailureKind != FailureTimeout || res.Attempts != 1 {
		t.Fatalf("expected a single timed out attempt, got %+v", res)
	}
	if llm.callsMatching(pCodeRepair) != 0 {
		t.Fatal("timeouts must not be repaired")
	}
}

func TestAnalyzeInfrastructureFailure(t *testing.T) {
	llm := newScriptedLLM().on(pCodeGen, "print(1)")
	sb := &fakeSandbox{steps: []sandboxStep{{err: fmt.Errorf("docker daemon not running")}}}
	res := NewAnalyticsEngine(llm, nil, sb, 3, time.Second, nil, nil).
		Analyze(context.Background(), readingsRequest(t, "Is the temperature trend rising?", false))
	if res.Success || res.FailureKind != FailureInfra || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAnalyzeRepairsThenSucceeds(t *testing.T) {
	llm := newScriptedLLM().
		on(pCodeGen, "```python\nprint(df.value.mean()\n```").
		on(pCodeRepair, "```python\nprint(df.value.mean())\n```").
		on(pAnalysisSum, "The average was 22.15.")
	sb := &fakeSandbox{steps: []sandboxStep{
		failing("SyntaxError: unexpected EOF"),
		{res: sandbox.Result{Success: true, Stdout: "22.15\n"}},
	}}
	res := NewAnalyticsEngine(llm, nil, sb, 3, time.Second, nil, nil).
		Analyze(context.Background(), readingsRequest(t, "How did the temperature develop?", false))
	if !res.Success || res.Attempts != 2 || res.Output != "22.15" || res.FormattedResponse != "The average was 22.15." {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Code != "print(df.value.mean())" {
		t.Fatalf("result should carry the repaired code, got %q", res.Code)
	}
}

func TestAnalyzeUsesTemplate(t *testing.T) {
	llm := newScriptedLLM().on(pAnalysisSum, "Sensor_5.04 averaged 22.15 degrees.")
	sb := &fakeSandbox{steps: []sandboxStep{{res: sandbox.Result{Success: true, Stdout: "Sensor_5.04: average 22.15\n"}}}}
	res := NewAnalyticsEngine(llm, nil, sb, 3, time.Second, nil, nil).
		Analyze(context.Background(), readingsRequest(t, "What was the average temperature of Sensor_5.04?", false))
	if !res.Success || res.Template != "average" {
		t.Fatalf("expected template run, got %+v", res)
	}
	if llm.callsMatching(pCodeGen) != 0 {
		t.Fatal("template questions must not call code generation")
	}
	job := sb.jobs[0]
	if _, ok := job.Files["data/timeseries.csv"]; !ok || !strings.Contains(job.Code, `pd.read_csv("data/timeseries.csv")`) {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestAnalyzePlotMarker(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	llm := newScriptedLLM().
		on(pCodeGen, "```python\nplt.savefig('output/plot.png')\nprint('PLOT_GENERATED')\n```").
		on(pAnalysisSum, "The plot shows a steady rise to 23.3.")
	sb := &fakeSandbox{steps: []sandboxStep{{res: sandbox.Result{
		Success:   true,
		Stdout:    "max 23.3\nPLOT_GENERATED\n",
		Artifacts: map[string][]byte{PlotPath: png},
	}}}}
	res := NewAnalyticsEngine(llm, nil, sb, 3, time.Second, nil, nil).
		Analyze(context.Background(), readingsRequest(t, "Plot the temperature", true))
	if !res.Success || !res.HasPlot() {
		t.Fatalf("expected plot, got %+v", res)
	}
	if res.Output != "max 23.3" {
		t.Fatalf("marker not stripped: %q", res.Output)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if res.Media[0].DataURI != want || res.Media[0].MIME != "image/png" {
		t.Fatalf("unexpected media %+v", res.Media[0])
	}
	for _, p := range llm.prompts {
		if strings.Contains(p, pAnalysisSum) && strings.Contains(p, PlotMarker) {
			t.Fatal("summary prompt must not contain the plot marker")
		}
	}
}

func TestTemplateSkippedForPlots(t *testing.T) {
	if _, _, ok := templateFor(AnalysisRequest{Question: "plot the average", Dataset: Dataset{Name: readingsDataset}, Plot: true}); ok {
		t.Fatal("plots must not use templates")
	}
	if _, _, ok := templateFor(AnalysisRequest{Question: "average", Dataset: Dataset{Name: "results"}}); ok {
		t.Fatal("templates only apply to the readings dataset")
	}
	if name, _, ok := templateFor(AnalysisRequest{Question: "What is the latest value?", Dataset: Dataset{Name: readingsDataset}}); !ok || name != "latest" {
		t.Fatalf("expected latest template, got %q %v", name, ok)
	}
}
