package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"Sure!\n```json\n{\"intent\": \"general\"}\n```", `{"intent": "general"}`, true},
		{`prefix {"q": "SELECT ?s WHERE { ?s ?p ?o }", "n": {"x": "}"}} trailing {"b":2}`, `{"q": "SELECT ?s WHERE { ?s ?p ?o }", "n": {"x": "}"}}`, true},
		{`{"escaped": "quote \" and brace {"}`, `{"escaped": "quote \" and brace {"}`, true},
		{`{"unterminated": true`, "", false},
		{"no json here", "", false},
	}
	for _, tc := range cases {
		got, ok := extractFirstJSON(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("extractFirstJSON(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractCode(t *testing.T) {
	in := "Here:\n```python\nprint(1)\n```\nand\n```python\nprint(2)\n```"
	if got := extractCode(in); got != "print(1)" {
		t.Fatalf("extractCode = %q", got)
	}
	if got := extractCode("  SELECT 1  "); got != "SELECT 1" {
		t.Fatalf("extractCode without fence = %q", got)
	}
}

func TestClassifyParsesAndFillsRange(t *testing.T) {
	llm := newScriptedLLM().on(pIntent, "```json\n"+`{"intent": "Analytics", "entities": ["Sensor_5.04", " sensor_5.04 ", ""], "required_operations": ["latest"], "time_range": {"start": null, "end": null}, "direct_answer": null, "reasoning": "needs a reading"}`+"\n```")
	ret := &fakeRetriever{ctx: buildingContext()}
	c := NewIntentClassifier(llm, nil, ret, 4, 6*time.Hour, fixedNow, nil)

	res := c.Classify(context.Background(), stateWith("What is the current temperature of Sensor_5.04?"))
	if res.Intent != IntentAnalytics || res.Degraded {
		t.Fatalf("unexpected intent %+v", res)
	}
	if len(res.Entities) != 1 || res.Entities[0] != "Sensor_5.04" {
		t.Fatalf("entities not cleaned: %v", res.Entities)
	}
	if !res.TimeRange.End.Equal(testNow) || !res.TimeRange.Start.Equal(testNow.Add(-6*time.Hour)) {
		t.Fatalf("unexpected default range %+v", res.TimeRange)
	}
}

func TestClassifyDegradesOnBadOutput(t *testing.T) {
	for name, llm := range map[string]*scriptedLLM{
		"malformed": newScriptedLLM().on(pIntent, `{"intent": "analytics", "entities": [`),
		"prose":     newScriptedLLM().on(pIntent, "I think this is about sensors."),
		"error":     newScriptedLLM().fail(pIntent, errors.New("rate limited")),
	} {
		c := NewIntentClassifier(llm, nil, nil, 4, 0, fixedNow, nil)
		res := c.Classify(context.Background(), stateWith("hmm?"))
		if res.Intent != IntentGeneral || !res.Degraded || res.DirectAnswer != clarification {
			t.Fatalf("%s: expected degraded general intent, got %+v", name, res)
		}
	}
}

func TestClassifyUnknownIntentIsMetadata(t *testing.T) {
	llm := newScriptedLLM().on(pIntent, `{"intent": "floorplan", "time_range": {"start": "2024-03-01", "end": "2024-03-02T00:00:00Z"}}`)
	c := NewIntentClassifier(llm, nil, nil, 4, 0, fixedNow, nil)
	res := c.Classify(context.Background(), stateWith("Which rooms are on level 5?"))
	if res.Intent != IntentMetadata {
		t.Fatalf("intent = %s", res.Intent)
	}
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !res.TimeRange.Start.Equal(want) {
		t.Fatalf("start = %s", res.TimeRange.Start)
	}
}

func TestClassifyGeneralWithoutAnswerAsksForClarification(t *testing.T) {
	llm := newScriptedLLM().on(pIntent, `{"intent": "general", "direct_answer": null, "reasoning": "chit-chat"}`)
	c := NewIntentClassifier(llm, nil, nil, 4, 0, fixedNow, nil)
	res := c.Classify(context.Background(), stateWith("hmm"))
	if res.Intent != IntentGeneral || res.Degraded || res.DirectAnswer != clarification {
		t.Fatalf("expected a clarification request, got %+v", res)
	}

	st := stateWith("hmm")
	_ = st.Record(StageResult{Stage: StageIntent, Intent: &res})
	if text, _, from := SelectResponse(st); text != clarification || from != StageIntent {
		t.Fatalf("answer = %q from %s", text, from)
	}
}
