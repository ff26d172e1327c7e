package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lazyflow/internal/ir"
)

// TraceSnapshot captures the traces of a scenario for golden comparison.
type TraceSnapshot struct {
	ScenarioName string     `json:"scenario_name"`
	Runs         []RunTrace `json:"runs"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Empty optional fields are left out.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	runs := make([]any, len(s.Runs))
	for i, run := range s.Runs {
		submissions := make([]any, len(run.Submissions))
		for j, sub := range run.Submissions {
			submissions[j] = sub
		}
		calls := make([]any, len(run.Calls))
		for j, c := range run.Calls {
			inputs := c.Inputs
			if inputs == nil {
				inputs = []string{}
			}
			calls[j] = map[string]any{
				"step":   c.Step,
				"op":     c.Op,
				"inputs": inputs,
				"status": c.Status,
				"cached": c.Cached,
			}
		}
		runMap := map[string]any{
			"run":         run.Run,
			"submissions": submissions,
			"calls":       calls,
			"values":      run.Values,
		}
		if len(run.Whiteboard) > 0 {
			runMap["whiteboard"] = run.Whiteboard
		}
		if run.Error != "" {
			runMap["error"] = run.Error
		}
		runs[i] = runMap
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"runs":          runs,
	}
}

// MarshalTrace renders a result as canonical JSON.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Runs: result.Runs}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
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
