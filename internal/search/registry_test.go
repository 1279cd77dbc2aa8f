package search

import (
	"testing"

	"github.com/metalagman/atelier/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNumbersGlobally(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.Register("D1", []Result{
		{Title: "One", URL: "https://a.com/1"},
		{Title: "Two", URL: "https://a.com/2"},
	})
	b := r.Register("D2", []Result{
		{Title: "Two again", URL: "https://a.com/2/"},
		{Title: "Three", URL: "https://a.com/3"},
	})
	assert.Equal(t, []int{1, 2}, []int{a[0].ReferenceNumber, a[1].ReferenceNumber})
	assert.Equal(t, []int{2, 3}, []int{b[0].ReferenceNumber, b[1].ReferenceNumber})
	assert.Equal(t, "Two", b[0].Title)

	refs := r.References()
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"D1", "D2"}, refs[1].Deliverables)

	again := r.RegisterSources("D3", []model.Source{{Title: "Three", URL: "https://a.com/3"}})
	assert.Equal(t, 3, again[0].ReferenceNumber)
}
