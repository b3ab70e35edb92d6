package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortEntries(t *testing.T) {
	type e = entry

	cases := map[string]struct {
		entries []*e
		want    []string
		cycle   bool
	}{
		"empty": {},
		"newest first": {
			entries: []*e{{id: "a", seq: 1}, {id: "b", seq: 2}, {id: "c", seq: 3}},
			want:    []string{"c", "b", "a"},
		},
		"priority beats age": {
			entries: []*e{{id: "a", seq: 1, priority: 0, hasPriority: true}, {id: "b", seq: 2}},
			want:    []string{"a", "b"},
		},
		"negative priority still outside no priority": {
			entries: []*e{{id: "a", seq: 1, priority: -5, hasPriority: true}, {id: "b", seq: 2, subPriority: 100}},
			want:    []string{"a", "b"},
		},
		"sub-priority": {
			entries: []*e{{id: "a", seq: 1, subPriority: 2}, {id: "b", seq: 2, subPriority: 1}},
			want:    []string{"a", "b"},
		},
		"before": {
			entries: []*e{{id: "a", seq: 1, before: []string{"b"}}, {id: "b", seq: 2}},
			want:    []string{"a", "b"},
		},
		"after": {
			entries: []*e{{id: "a", seq: 2, after: []string{"b"}}, {id: "b", seq: 1}},
			want:    []string{"b", "a"},
		},
		"constraint beats priority": {
			entries: []*e{{id: "a", seq: 1, priority: 10, hasPriority: true}, {id: "b", seq: 2, before: []string{"a"}}},
			want:    []string{"b", "a"},
		},
		"shared id": {
			entries: []*e{{id: "g", seq: 1}, {id: "g", seq: 2}, {id: "x", seq: 3, after: []string{"g"}}},
			want:    []string{"g", "g", "x"},
		},
		"conflict keeps first": {
			entries: []*e{{id: "a", seq: 1, before: []string{"b"}}, {id: "b", seq: 2, before: []string{"a"}}},
			want:    []string{"b", "a"},
		},
		"absent ids": {
			entries: []*e{{id: "a", seq: 1, before: []string{"zz"}}, {id: "b", seq: 2, after: []string{"yy"}}},
			want:    []string{"b", "a"},
		},
		"chain of constraints": {
			entries: []*e{{id: "a", seq: 1, after: []string{"b"}}, {id: "b", seq: 2, after: []string{"c"}}, {id: "c", seq: 3}, {id: "d", seq: 4}},
			want:    []string{"d", "c", "b", "a"},
		},
		"cycle": {
			entries: []*e{{id: "a", seq: 1, before: []string{"b"}}, {id: "b", seq: 2, before: []string{"c"}}, {id: "c", seq: 3, before: []string{"a"}}},
			cycle:   true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sorted, err := sortEntries(tc.entries)
			if tc.cycle {
				assert.ErrorIs(t, err, ErrCycle)
				return
			}
			if !assert.NoError(t, err) {
				return
			}

			ids := []string{}
			for _, e := range sorted {
				ids = append(ids, e.id)
			}
			if tc.want == nil {
				tc.want = []string{}
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestSortEntries_InputUnchanged(t *testing.T) {
	entries := []*entry{{id: "a", seq: 1}, {id: "b", seq: 2}}

	_, err := sortEntries(entries)
	assert.NoError(t, err)
	assert.Equal(t, "a", entries[0].id)
	assert.Equal(t, "b", entries[1].id)
}
