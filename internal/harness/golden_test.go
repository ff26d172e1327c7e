package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// First run with -update to create golden files:
//
//	go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden_Diamond(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "diamond"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_Whiteboard(t *testing.T) {
	result, err := RunWithGolden(t, loadScenario(t, "whiteboard"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_Deterministic(t *testing.T) {
	s := loadScenario(t, "diamond")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalTrace_OmitsEmptyOptionalFields(t *testing.T) {
	result := NewResult()
	result.Runs = append(result.Runs, RunTrace{
		Run:    1,
		Calls:  []CallTrace{{Step: "a", Op: "const", Status: "COMPLETED"}},
		Values: map[string]any{"a": 1},
	})

	data, err := MarshalTrace("tiny", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"runs":[{"calls":[{"cached":false,"inputs":[],"op":"const","status":"COMPLETED","step":"a"}],"run":1,"submissions":[],"values":{"a":1}}],"scenario_name":"tiny"}`,
		string(data))
}

func TestAssertGolden_ExistingResult(t *testing.T) {
	result, err := Run(loadScenario(t, "diamond"))
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, "diamond", result))
}
