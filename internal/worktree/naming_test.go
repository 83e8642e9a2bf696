package worktree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRefComponent(t *testing.T) {
	tests := map[string]string{
		"Code Reviewer":     "code-reviewer",
		"  backend/api  ":   "backend-api",
		"../../etc":         "etc",
		"UPPER__snake--x":   "upper-snake-x",
		"":                  "",
		"日本語":               "",
		"task-1234abcd-ef9": "task-1234abcd-ef9",
	}
	for in, want := range tests {
		assert.Equal(t, want, refComponent(in), in)
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "task1234", shortID("task-1234abcd"))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "00000000", shortID("///"))
}

func TestBranchBase(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	got := branchBase("agents/", "", "sess-1", "t", now, "a1b2")
	assert.Equal(t, "agents/task/sess1-t-20260102020405-a1b2", got)

	assert.Equal(t, got, branchCandidate(got, 0))
	assert.Equal(t, got+"-2", branchCandidate(got, 1))
	assert.Equal(t, got+"-10", branchCandidate(got, 9))
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "tester-abcdefgh", dirName("Tester", "abcdefghijk"))
	assert.Equal(t, "task-x", dirName("", "x"))
}

func TestRunSteps_RollsBackInReverse(t *testing.T) {
	var log []string
	mk := func(name string, fail bool) step {
		return step{
			name: name,
			do: func(context.Context) error {
				log = append(log, "do "+name)
				if fail {
					return errors.New("boom")
				}
				return nil
			},
			undo: func(context.Context) error {
				log = append(log, "undo "+name)
				return nil
			},
		}
	}

	err := runSteps(context.Background(), zap.NewNop(), nil, []step{mk("a", false), mk("b", false), mk("c", true), mk("d", false)})
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "c", stepErr.Step)
	assert.Equal(t, []string{"do a", "do b", "do c", "undo b", "undo a"}, log)
}

func TestRunSteps_RollbackSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var undone bool
	steps := []step{
		{
			name: "first",
			do:   func(context.Context) error { cancel(); return nil },
			undo: func(ctx context.Context) error {
				undone = ctx.Err() == nil
				return nil
			},
		},
		{name: "second", do: func(context.Context) error { return nil }},
	}

	err := runSteps(ctx, zap.NewNop(), nil, steps)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, undone, "undo runs with a live context")
}

func TestRunSteps_ReportsRollbackFailure(t *testing.T) {
	steps := []step{
		{name: "a", do: func(context.Context) error { return nil }, undo: func(context.Context) error { return errors.New("stuck") }},
		{name: "b", do: func(context.Context) error { return errors.New("boom") }},
	}
	err := runSteps(context.Background(), zap.NewNop(), nil, steps)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Error(t, stepErr.RollbackErr)
	assert.Contains(t, err.Error(), "rollback incomplete")
}
