package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/errs"
)

func node(id string, inputs []string, outputs ...string) *call.Node {
	return &call.Node{ID: id, OpName: "op-" + id, ArgEntryIDs: inputs, OutputEntryIDs: outputs}
}

func ids(nodes []*call.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestAddIndexesProducers(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", nil, "ea")))
	require.NoError(t, g.Add(node("b", []string{"ea", "local"}, "eb")))

	p, ok := g.Producer("ea")
	assert.True(t, ok)
	assert.Equal(t, "a", p)
	_, ok = g.Producer("local")
	assert.False(t, ok, "locally supplied entries have no producer")

	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
	assert.Equal(t, 2, g.Len())
}

func TestAddRejectsSecondProducer(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", nil, "e")))

	err := g.Add(node("b", nil, "e"))
	assert.True(t, errs.IsInvalidState(err))
	assert.Equal(t, 1, g.Len())

	err = g.Add(node("a", nil, "other"))
	assert.True(t, errs.IsInvalidState(err))
}

func TestTopoOrderDiamond(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("src", nil, "e0")))
	require.NoError(t, g.Add(node("left", []string{"e0"}, "e1")))
	require.NoError(t, g.Add(node("right", []string{"e0"}, "e2")))
	require.NoError(t, g.Add(node("join", []string{"e1", "e2"}, "e3")))

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "left", "right", "join"}, ids(order))
}

func TestTopoOrderProducerAfterConsumer(t *testing.T) {
	// b is inserted first but consumes a's output
	g := New()
	require.NoError(t, g.Add(node("b", []string{"ea"}, "eb")))
	require.NoError(t, g.Add(node("a", nil, "ea")))

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(order))
}

func TestTopoOrderSubset(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", nil, "ea")))
	require.NoError(t, g.Add(node("b", []string{"ea"}, "eb")))
	require.NoError(t, g.Add(node("c", []string{"eb"}, "ec")))

	order, err := g.TopoOrder("c", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(order))

	_, err = g.TopoOrder("missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestCycleDetection(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", []string{"eb"}, "ea")))
	require.NoError(t, g.Add(node("b", []string{"ea"}, "eb")))
	require.NoError(t, g.Add(node("c", nil, "ec")))

	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0], 3)
	assert.Equal(t, cycles[0][0], cycles[0][2])

	_, err := g.TopoOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestSelfLoop(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", []string{"ea"}, "ea")))

	assert.Equal(t, [][]string{{"a", "a"}}, g.Cycles())
}

func TestAcyclicHasNoCycles(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(node("a", nil, "ea")))
	require.NoError(t, g.Add(node("b", []string{"ea"}, "eb")))

	assert.Nil(t, g.Cycles())
}
