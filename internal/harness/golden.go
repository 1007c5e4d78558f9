package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/verity/wire"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any because
// wire.MarshalCanonical only handles primitives, maps and slices.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":      event.Seq,
			"op":       event.Op,
			"valid":    event.Valid,
			"modified": event.Modified,
			"is_new":   event.IsNew,
			"lines":    int64(event.Lines),
			"pending":  int64(event.Pending),
		}
		if event.Target != "" {
			eventMap["target"] = event.Target
		}
		if event.Error != "" {
			eventMap["error"] = event.Error
		}
		if len(event.Messages) > 0 {
			msgs := make([]any, len(event.Messages))
			for j, m := range event.Messages {
				msgs[j] = map[string]any{
					"rule_id":  int64(m.RuleID),
					"property": m.Property,
					"text":     m.Text,
				}
			}
			eventMap["messages"] = msgs
		}
		if len(event.Portal) > 0 {
			ops := make([]any, len(event.Portal))
			for j, op := range event.Portal {
				ops[j] = op
			}
			eventMap["portal"] = ops
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if scenario execution fails; a trace mismatch fails the
// test via goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// CanonicalTrace converts a result into the canonical-JSON-ready form shared
// by golden comparison and the CLI's trace output.
func CanonicalTrace(scenarioName string, result *Result) map[string]any {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	return snapshot.toCanonicalMap()
}

// AssertGolden compares an already-computed result's trace against the golden
// file for scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := wire.MarshalCanonical(CanonicalTrace(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
