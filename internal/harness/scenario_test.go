package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "whiteboard.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "whiteboard", scenario.Name)
	require.Len(t, scenario.Calls, 3)
	assert.Equal(t, []any{"hello, ", "$$world"}, scenario.Calls[0].Args)
	assert.True(t, scenario.Calls[1].Barrier)
	assert.Equal(t, map[string]any{"b": 5}, scenario.Calls[2].Kwargs)
	require.NotNil(t, scenario.Whiteboard)
	assert.Equal(t, "#Summary", scenario.Whiteboard.Definition)
	assert.Equal(t, []string{"nightly"}, scenario.Whiteboard.Tags)
	assert.Len(t, scenario.Assertions, 5)
	assert.True(t, scenario.Assertions[4].Missing)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	content := `
name: typo
description: misspelled key
calls:
  - {id: a, op: const, argz: [1]}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing name",
			content: "description: d\ncalls: [{id: a, op: const, args: [1]}]",
			want:    "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\ncalls: [{id: a, op: const, args: [1]}]",
			want:    "description is required",
		},
		{
			name:    "no calls",
			content: "name: n\ndescription: d",
			want:    "calls list is required",
		},
		{
			name:    "missing id",
			content: "name: n\ndescription: d\ncalls: [{op: const, args: [1]}]",
			want:    "calls[0]: id is required",
		},
		{
			name:    "duplicate id",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}, {id: a, op: const, args: [2]}]",
			want:    `duplicate id "a"`,
		},
		{
			name:    "missing op",
			content: "name: n\ndescription: d\ncalls: [{id: a, args: [1]}]",
			want:    "calls[0]: op is required",
		},
		{
			name:    "forward reference",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [$b]}, {id: b, op: const, args: [1]}]",
			want:    `reference to unknown or later call "b"`,
		},
		{
			name:    "self reference in kwargs",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: add, args: [1], kwargs: {b: $a}}]",
			want:    "calls[0].kwargs.b",
		},
		{
			name:    "negative runs",
			content: "name: n\ndescription: d\nruns: -1\ncalls: [{id: a, op: const, args: [1]}]",
			want:    "runs must be non-negative",
		},
		{
			name:    "whiteboard without schema",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nwhiteboard: {definition: '#X'}",
			want:    "schema and definition are required",
		},
		{
			name:    "whiteboard unknown reference",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nwhiteboard: {schema: 'x: 1', definition: '#X', set: {f: $z}}",
			want:    "whiteboard.set.f",
		},
		{
			name:    "value on unknown call",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{type: value, call: z, expect: 1}]",
			want:    "value needs a known call",
		},
		{
			name:    "order too short",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{type: order, calls: [a]}]",
			want:    "order needs at least two calls",
		},
		{
			name:    "error without contains",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{type: error}]",
			want:    "contains is required",
		},
		{
			name:    "whiteboard without field",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{type: whiteboard, expect: 1}]",
			want:    "field is required",
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{type: bogus}]",
			want:    `unknown assertion type "bogus"`,
		},
		{
			name:    "assertion without type",
			content: "name: n\ndescription: d\ncalls: [{id: a, op: const, args: [1]}]\nassertions: [{count: 1}]",
			want:    "type is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReferenceAndLiteral(t *testing.T) {
	ref, ok := reference("$a")
	assert.True(t, ok)
	assert.Equal(t, "a", ref)

	_, ok = reference("$$a")
	assert.False(t, ok, "escaped dollar is a literal")
	_, ok = reference("a")
	assert.False(t, ok)
	_, ok = reference(3)
	assert.False(t, ok)

	assert.Equal(t, "$a", literal("$$a"))
	assert.Equal(t, "a", literal("a"))
	assert.Equal(t, 3, literal(3))
}
