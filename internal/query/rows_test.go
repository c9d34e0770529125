package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResult_Classic(t *testing.T) {
	res := Result{
		Columns: []string{"client_id", "name", "visited"},
		Rows: [][]any{
			{int64(1), "Ann", time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)},
			{int64(2), nil, time.Date(2025, 8, 12, 18, 30, 0, 0, time.UTC)},
		},
	}

	assert.Equal(t, [][]string{
		{"client_id", "name", "visited"},
		{"1", "Ann", "2025-08-11"},
		{"2", "", "2025-08-12 18:30:00"},
	}, res.Classic())
}

func TestResult_ClassicEmpty(t *testing.T) {
	res := Result{Columns: []string{"a"}}
	assert.True(t, res.Empty())
	assert.Nil(t, res.Classic())
	assert.Nil(t, res.First())
}

func TestResult_Maps(t *testing.T) {
	res := Result{Columns: []string{"a", "b"}, Rows: [][]any{{int64(1), "x"}}}
	assert.Equal(t, []map[string]any{{"a": int64(1), "b": "x"}}, res.Maps())
	assert.Equal(t, map[string]any{"a": int64(1), "b": "x"}, res.First())
}
