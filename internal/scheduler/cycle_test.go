package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCycles(t *testing.T) {
	tests := []struct {
		name    string
		graph   map[string][]string
		cycles  [][]string
		members [][]string
	}{
		{
			name:  "acyclic",
			graph: map[string][]string{"a": nil, "b": {"a"}, "c": {"a", "b"}},
		},
		{
			name:  "unknown deps are leaves",
			graph: map[string][]string{"c": {"d"}},
		},
		{
			name:    "mutual",
			graph:   map[string][]string{"x": {"y"}, "y": {"x"}},
			cycles:  [][]string{{"x", "y", "x"}},
			members: [][]string{{"x", "y"}},
		},
		{
			name:    "self",
			graph:   map[string][]string{"a": {"a"}, "b": {"a"}},
			cycles:  [][]string{{"a", "a"}},
			members: [][]string{{"a"}},
		},
		{
			name: "two components",
			graph: map[string][]string{
				"a": {"b"}, "b": {"c"}, "c": {"a"},
				"p": {"q"}, "q": {"p"},
				"z": {"a"},
			},
			cycles:  [][]string{{"a", "b", "c", "a"}, {"p", "q", "p"}},
			members: [][]string{{"a", "b", "c"}, {"p", "q"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindCycles(tt.graph)
			require.Len(t, got, len(tt.cycles))
			for i, c := range got {
				assert.Equal(t, tt.cycles[i], c.Cycle)
				assert.Equal(t, tt.members[i], c.Members)
			}
		})
	}
}

func TestCycleError(t *testing.T) {
	err := error(&CycleError{Cycle: []string{"x", "y", "x"}, Members: []string{"x", "y"}})
	assert.Equal(t, "dependency cycle: x -> y -> x", err.Error())
	assert.True(t, errors.Is(err, ErrDependencyCycle))
}
