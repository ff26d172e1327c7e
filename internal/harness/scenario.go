package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a workflow to run and what to check afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description"`

	// Workflow is the workflow name. Defaults to Name.
	Workflow string `yaml:"workflow,omitempty"`

	// Eager runs a barrier after every call.
	Eager bool `yaml:"eager,omitempty"`

	// Cache enables result caching on the built-in ops.
	Cache bool `yaml:"cache,omitempty"`

	// Runs is how many times the workflow runs against the same storage.
	// Defaults to 1.
	Runs int `yaml:"runs,omitempty"`

	// Calls are issued in order inside the workflow.
	Calls []CallStep `yaml:"calls"`

	// Whiteboard, if set, is created at the start of every run.
	Whiteboard *WhiteboardStep `yaml:"whiteboard,omitempty"`

	// Assertions validate the result.
	Assertions []Assertion `yaml:"assertions"`
}

// CallStep is one deferred call.
type CallStep struct {
	// ID names the call's output for later references ("$id").
	ID string `yaml:"id"`

	// Op is a built-in op name.
	Op string `yaml:"op"`

	// Args are positional arguments: literals or "$id" references. A
	// literal string starting with "$" is written "$$...".
	Args []any `yaml:"args"`

	// Kwargs are keyword arguments with the same conventions.
	Kwargs map[string]any `yaml:"kwargs,omitempty"`

	// Barrier runs a barrier right after this call.
	Barrier bool `yaml:"barrier,omitempty"`
}

// WhiteboardStep declares a whiteboard written by the scenario.
type WhiteboardStep struct {
	// Schema is CUE source declaring the whiteboard type.
	Schema string `yaml:"schema"`

	// Definition selects the type in Schema, e.g. "#Metrics".
	Definition string `yaml:"definition"`

	Tags []string `yaml:"tags,omitempty"`

	// Set maps field names to literals or "$id" references.
	Set map[string]any `yaml:"set,omitempty"`
}

// Assertion validates a result.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Run selects the run (1-based); zero means the last run.
	Run int `yaml:"run,omitempty"`

	// Call is the step id (value).
	Call string `yaml:"call,omitempty"`

	// Field is the whiteboard field (whiteboard).
	Field string `yaml:"field,omitempty"`

	// Expect is the expected value (value, whiteboard).
	Expect any `yaml:"expect,omitempty"`

	// Missing expects the whiteboard field to be missing (whiteboard).
	Missing bool `yaml:"missing,omitempty"`

	// Count is the expected number (executed, cached).
	Count int `yaml:"count,omitempty"`

	// Calls is the expected submission order (order).
	Calls []string `yaml:"calls,omitempty"`

	// Contains is a substring of the expected error (error).
	Contains string `yaml:"contains,omitempty"`
}

// Assertion types.
const (
	AssertValue      = "value"
	AssertExecuted   = "executed"
	AssertCached     = "cached"
	AssertOrder      = "order"
	AssertError      = "error"
	AssertWhiteboard = "whiteboard"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Calls) == 0 {
		return fmt.Errorf("calls list is required and must be non-empty")
	}
	if s.Runs < 0 {
		return fmt.Errorf("runs must be non-negative")
	}

	seen := make(map[string]bool)
	checkRef := func(where string, v any) error {
		ref, ok := reference(v)
		if ok && !seen[ref] {
			return fmt.Errorf("%s: reference to unknown or later call %q", where, ref)
		}
		return nil
	}
	for i, step := range s.Calls {
		if step.ID == "" {
			return fmt.Errorf("calls[%d]: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("calls[%d]: duplicate id %q", i, step.ID)
		}
		if step.Op == "" {
			return fmt.Errorf("calls[%d]: op is required", i)
		}
		for j, a := range step.Args {
			if err := checkRef(fmt.Sprintf("calls[%d].args[%d]", i, j), a); err != nil {
				return err
			}
		}
		for k, a := range step.Kwargs {
			if err := checkRef(fmt.Sprintf("calls[%d].kwargs.%s", i, k), a); err != nil {
				return err
			}
		}
		seen[step.ID] = true
	}

	if wb := s.Whiteboard; wb != nil {
		if wb.Schema == "" || wb.Definition == "" {
			return fmt.Errorf("whiteboard: schema and definition are required")
		}
		for field, v := range wb.Set {
			if err := checkRef("whiteboard.set."+field, v); err != nil {
				return err
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, calls map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue:
		if !calls[a.Call] {
			return fmt.Errorf("assertions[%d]: value needs a known call, got %q", index, a.Call)
		}
	case AssertExecuted, AssertCached:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertOrder:
		if len(a.Calls) < 2 {
			return fmt.Errorf("assertions[%d]: order needs at least two calls", index)
		}
	case AssertError:
		if a.Contains == "" {
			return fmt.Errorf("assertions[%d]: contains is required for error", index)
		}
	case AssertWhiteboard:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for whiteboard", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// reference reports whether v is a "$id" reference.
func reference(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") || strings.HasPrefix(s, "$$") {
		return "", false
	}
	return s[1:], true
}

// literal unescapes a "$$" string literal.
func literal(v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "$$") {
		return s[1:]
	}
	return v
}
