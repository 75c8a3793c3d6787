package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipegraph/pipegraph/internal/pperrors"
)

func TestTopoSortLinear(t *testing.T) {
	d := New()
	d.AddEdge("a", "b")
	d.AddEdge("b", "c")

	order, err := d.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoSortDetectsCycle(t *testing.T) {
	d := New()
	d.AddEdge("a", "b")
	d.AddEdge("b", "c")
	d.AddEdge("c", "a")

	_, err := d.TopoSort()
	require.Error(t, err)
	assert.True(t, errors.Is(err, pperrors.ErrNotADag))
}

func TestCloneIsIndependent(t *testing.T) {
	d := New()
	d.AddEdge("a", "b")

	c := d.Clone()
	c.AddEdge("b", "c")

	assert.ElementsMatch(t, []string{"b"}, d.Downstream("a"))
	assert.ElementsMatch(t, []string{"c"}, c.Downstream("b"))
}

func TestUpstreamDownstream(t *testing.T) {
	d := New()
	d.AddEdge("a", "c")
	d.AddEdge("b", "c")

	assert.ElementsMatch(t, []string{"a", "b"}, d.Upstream("c"))
	assert.ElementsMatch(t, []string{"c"}, d.Downstream("a"))
}
