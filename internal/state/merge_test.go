package state_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMerge(t *testing.T) {
	t.Parallel()

	t.Run("replaces named keys wholesale", func(t *testing.T) {
		t.Parallel()

		s := state.GameState{
			state.KeyNotes:    raw(t, "old"),
			state.KeyCounters: raw(t, map[string]int{"hp": 10}),
		}
		merged := state.Merge(s, state.Delta{
			state.KeyNotes: raw(t, "new"),
		})

		assert.JSONEq(t, `"new"`, string(merged[state.KeyNotes]))
		assert.JSONEq(t, `{"hp":10}`, string(merged[state.KeyCounters]))
	})

	t.Run("does not deep merge nested values", func(t *testing.T) {
		t.Parallel()

		s := state.GameState{
			state.KeyCounters: raw(t, map[string]int{"hp": 10, "mp": 5}),
		}
		merged := state.Merge(s, state.Delta{
			state.KeyCounters: raw(t, map[string]int{"hp": 7}),
		})

		// The whole counters value is replaced; mp does not survive.
		assert.JSONEq(t, `{"hp":7}`, string(merged[state.KeyCounters]))
	})

	t.Run("unknown keys are merged in", func(t *testing.T) {
		t.Parallel()

		merged := state.Merge(state.New(), state.Delta{
			"somethingNew": raw(t, 42),
		})
		assert.JSONEq(t, `42`, string(merged["somethingNew"]))
	})

	t.Run("input state is not mutated", func(t *testing.T) {
		t.Parallel()

		s := state.GameState{state.KeyNotes: raw(t, "old")}
		_ = state.Merge(s, state.Delta{state.KeyNotes: raw(t, "new")})
		assert.JSONEq(t, `"old"`, string(s[state.KeyNotes]))
	})

	t.Run("merge into nil state", func(t *testing.T) {
		t.Parallel()

		merged := state.Merge(nil, state.Delta{state.KeyNotes: raw(t, "hello")})
		assert.JSONEq(t, `"hello"`, string(merged[state.KeyNotes]))
	})
}

func TestGameStateClone(t *testing.T) {
	t.Parallel()

	s := state.GameState{state.KeyNotes: raw(t, "a")}
	c := s.Clone()
	c[state.KeyNotes] = raw(t, "b")

	assert.JSONEq(t, `"a"`, string(s[state.KeyNotes]))
	assert.JSONEq(t, `"b"`, string(c[state.KeyNotes]))
}

func TestPageKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc/3", state.PageKey("abc", 3))
}
