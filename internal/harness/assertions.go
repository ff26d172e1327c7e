package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the run trace to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Run      int      // Run the assertion looked at
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Trace    RunTrace // Run for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (run %d)\n", e.Type, e.Run)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nCalls:\n")
	for i, c := range e.Trace.Calls {
		cached := ""
		if c.Cached {
			cached = " (cached)"
		}
		fmt.Fprintf(&buf, "  [%d] %s %s %v %s%s\n", i+1, c.Step, c.Op, c.Inputs, c.Status, cached)
	}
	if e.Trace.Error != "" {
		fmt.Fprintf(&buf, "Error: %s\n", e.Trace.Error)
	}
	return buf.String()
}

// assertValue compares a materialized value by its printed form, so that
// YAML literals match whatever integer type the op returned.
func assertValue(run RunTrace, a Assertion) error {
	got, ok := run.Values[a.Call]
	if !ok {
		return &AssertionError{
			Type:     AssertValue,
			Run:      run.Run,
			Expected: fmt.Sprintf("%s = %v", a.Call, a.Expect),
			Actual:   "no value (call failed or never materialized)",
			Trace:    run,
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(a.Expect) {
		return &AssertionError{
			Type:     AssertValue,
			Run:      run.Run,
			Expected: fmt.Sprintf("%s = %v", a.Call, a.Expect),
			Actual:   fmt.Sprintf("%s = %v", a.Call, got),
			Trace:    run,
		}
	}
	return nil
}

func assertCount(run RunTrace, a Assertion) error {
	got := run.Executed()
	what := "executed calls"
	if a.Type == AssertCached {
		got = run.Cached()
		what = "cached calls"
	}
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Run:      run.Run,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d %s", got, what),
			Trace:    run,
		}
	}
	return nil
}

// assertOrder checks that calls were submitted in the given order.
// Other calls may be submitted in between.
func assertOrder(run RunTrace, a Assertion) error {
	submitted := run.Submitted()
	pos := 0
	for _, want := range a.Calls {
		i := slices.Index(submitted[pos:], want)
		if i < 0 {
			return &AssertionError{
				Type:     AssertOrder,
				Run:      run.Run,
				Expected: fmt.Sprintf("submission order %v", a.Calls),
				Actual:   fmt.Sprintf("submitted %v", submitted),
				Trace:    run,
			}
		}
		pos += i + 1
	}
	return nil
}

func assertError(run RunTrace, a Assertion) error {
	if !strings.Contains(run.Error, a.Contains) || run.Error == "" {
		actual := run.Error
		if actual == "" {
			actual = "no error"
		}
		return &AssertionError{
			Type:     AssertError,
			Run:      run.Run,
			Expected: fmt.Sprintf("error containing %q", a.Contains),
			Actual:   actual,
			Trace:    run,
		}
	}
	return nil
}

func assertWhiteboard(run RunTrace, a Assertion) error {
	expected := fmt.Sprint(a.Expect)
	if a.Missing {
		expected = MissingValue
	}
	got, ok := run.Whiteboard[a.Field]
	if !ok {
		return &AssertionError{
			Type:     AssertWhiteboard,
			Run:      run.Run,
			Expected: fmt.Sprintf("%s = %s", a.Field, expected),
			Actual:   "field not recorded",
			Trace:    run,
		}
	}
	if fmt.Sprint(got) != expected {
		return &AssertionError{
			Type:     AssertWhiteboard,
			Run:      run.Run,
			Expected: fmt.Sprintf("%s = %s", a.Field, expected),
			Actual:   fmt.Sprintf("%s = %v", a.Field, got),
			Trace:    run,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		run, ok := result.Run(assertion.Run)
		if !ok {
			if len(result.Runs) == 0 {
				errors = append(errors, fmt.Sprintf("assertion[%d]: %v", i, errNoRuns))
			} else {
				errors = append(errors, fmt.Sprintf("assertion[%d]: no run %d (have %d)", i, assertion.Run, len(result.Runs)))
			}
			continue
		}

		var err error
		switch assertion.Type {
		case AssertValue:
			err = assertValue(run, assertion)
		case AssertExecuted, AssertCached:
			err = assertCount(run, assertion)
		case AssertOrder:
			err = assertOrder(run, assertion)
		case AssertError:
			err = assertError(run, assertion)
		case AssertWhiteboard:
			err = assertWhiteboard(run, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
