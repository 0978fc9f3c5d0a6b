package core

import "testing"

func allGuards() []Guards {
	var out []Guards
	for _, intent := range []Intent{IntentGeneral, IntentMetadata, IntentAnalytics} {
		for mask := 0; mask < 1<<7; mask++ {
			out = append(out, Guards{
				Intent:             intent,
				KnowledgeOK:        mask&1 != 0,
				AnalyticsRequired:  mask&2 != 0,
				WantsVisualization: mask&4 != 0,
				TimeseriesOK:       mask&8 != 0,
				TimeseriesNoData:   mask&16 != 0,
				PlotProduced:       mask&32 != 0,
				PlotAttempted:      mask&64 != 0,
			})
		}
	}
	return out
}

func TestRouteIsTotalAndTerminates(t *testing.T) {
	for _, g := range allGuards() {
		for s := StageIntent; s <= StageEnd; s++ {
			next, reason := Route(s, g)
			if next > StageEnd {
				t.Fatalf("Route(%s, %+v) returned invalid stage %d", s, g, next)
			}
			if reason == "" {
				t.Fatalf("Route(%s, %+v) returned no reason", s, g)
			}
		}
		stage, steps := StageIntent, 0
		for stage != StageEnd {
			stage, _ = Route(stage, g)
			steps++
			if steps > len(stageNames) {
				t.Fatalf("routing did not terminate for %+v", g)
			}
		}
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	for _, g := range allGuards() {
		for s := StageIntent; s <= StageEnd; s++ {
			a, ra := Route(s, g)
			for i := 0; i < 5; i++ {
				b, rb := Route(s, g)
				if a != b || ra != rb {
					t.Fatalf("Route(%s, %+v) not deterministic: %s/%q vs %s/%q", s, g, a, ra, b, rb)
				}
			}
		}
	}
}

func TestRouteTable(t *testing.T) {
	cases := []struct {
		name string
		from Stage
		g    Guards
		want Stage
	}{
		{"general answered directly", StageIntent, Guards{Intent: IntentGeneral}, StageResponse},
		{"metadata goes to graph", StageIntent, Guards{Intent: IntentMetadata}, StageKnowledgeQuery},
		{"analytics goes to graph", StageIntent, Guards{Intent: IntentAnalytics}, StageKnowledgeQuery},
		{"failed graph stage ends turn", StageKnowledgeQuery, Guards{AnalyticsRequired: true, WantsVisualization: true}, StageResponse},
		{"analytics flag wins over plot", StageKnowledgeQuery, Guards{KnowledgeOK: true, AnalyticsRequired: true, WantsVisualization: true}, StageTimeseries},
		{"plot without analytics", StageKnowledgeQuery, Guards{KnowledgeOK: true, WantsVisualization: true}, StageVisualization},
		{"static answer", StageKnowledgeQuery, Guards{KnowledgeOK: true}, StageResponse},
		{"fetch failed", StageTimeseries, Guards{TimeseriesOK: false}, StageResponse},
		{"no data", StageTimeseries, Guards{TimeseriesOK: true, TimeseriesNoData: true}, StageResponse},
		{"readings fetched", StageTimeseries, Guards{TimeseriesOK: true}, StageAnalytics},
		{"plot already produced", StageAnalytics, Guards{PlotProduced: true, WantsVisualization: true}, StageResponse},
		{"failed plot is not retried", StageAnalytics, Guards{PlotAttempted: true, WantsVisualization: true}, StageResponse},
		{"plot requested", StageAnalytics, Guards{WantsVisualization: true}, StageVisualization},
		{"analysis done", StageAnalytics, Guards{}, StageResponse},
		{"visualization done", StageVisualization, Guards{}, StageResponse},
		{"response ends", StageResponse, Guards{}, StageEnd},
		{"end is absorbing", StageEnd, Guards{}, StageEnd},
	}
	for _, tc := range cases {
		if got, _ := Route(tc.from, tc.g); got != tc.want {
			t.Errorf("%s: Route(%s) = %s, want %s", tc.name, tc.from, got, tc.want)
		}
	}
}

func TestMatchesKeyword(t *testing.T) {
	if !MatchesKeyword("Can you PLOT the supply air temperature?", DefaultVisualizationKeywords) {
		t.Fatal("expected plot keyword to match case-insensitively")
	}
	if MatchesKeyword("What is the address of Building X?", DefaultVisualizationKeywords) {
		t.Fatal("unexpected visualization match")
	}
	if MatchesKeyword("What is the address of Building X?", DefaultAnalyticsKeywords) {
		t.Fatal("unexpected analytics match")
	}
	if !MatchesKeyword("What is the current temperature of Sensor_5.04?", DefaultAnalyticsKeywords) {
		t.Fatal("expected analytics keyword to match")
	}
}

func TestStageTextRoundTrip(t *testing.T) {
	for s := StageIntent; s <= StageEnd; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("marshal %d: %v", s, err)
		}
		var back Stage
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Fatalf("round trip %s: got %s, %v", s, back, err)
		}
	}
	if _, err := ParseStage("planning"); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestRecordRejectsDuplicatesAndMismatches(t *testing.T) {
	var st ConversationState
	if err := st.Record(StageResult{Stage: StageIntent, Intent: &IntentResult{Intent: IntentMetadata}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.Record(StageResult{Stage: StageIntent, Intent: &IntentResult{}}); err == nil {
		t.Fatal("expected duplicate stage error")
	}
	if err := st.Record(StageResult{Stage: StageTimeseries, Analytics: &AnalyticsResult{}}); err == nil {
		t.Fatal("expected payload mismatch error")
	}
	if err := st.Record(StageResult{Stage: StageAnalytics, Analytics: &AnalyticsResult{}, Timeseries: &TimeseriesResult{}}); err == nil {
		t.Fatal("expected multiple payload error")
	}
	if got := st.IntentResult(); got == nil || got.Intent != IntentMetadata {
		t.Fatalf("unexpected intent result %+v", got)
	}
}
