package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	released int
	err      error
}

func (f *fakeResource) Release() error {
	f.released++
	return f.err
}

func TestReduce(t *testing.T) {
	cases := map[State]Result{
		StateFinished:  Finished,
		StateCancelled: Cancelled,
		StateFailed:    Failed,
	}
	for state, want := range cases {
		got, err := Reduce(state)
		require.NoError(t, err, state.String())
		assert.Equal(t, want, got, state.String())
	}
}

func TestReduceNonTerminal(t *testing.T) {
	for _, s := range []State{StatePending, StateLoading} {
		_, err := Reduce(s)
		assert.ErrorIs(t, err, ErrNotTerminal)
		assert.False(t, s.IsTerminal())
	}
}

func TestReportReleasesOnlyWhenNotFinished(t *testing.T) {
	r := NewReporter("s1")

	kept := &fakeResource{}
	assert.Equal(t, Finished, r.Report(StateFinished, kept))
	assert.Equal(t, 0, kept.released)

	dropped := &fakeResource{}
	assert.Equal(t, Cancelled, r.Report(StateCancelled, dropped, nil))
	assert.Equal(t, 1, dropped.released)

	failed := &fakeResource{}
	assert.Equal(t, Failed, r.Report(StateFailed, failed))
	assert.Equal(t, 1, failed.released)
}

func TestReleaseContinuesPastErrors(t *testing.T) {
	r := NewReporter("s2")
	bad := &fakeResource{err: errors.New("busy")}
	good := &fakeResource{}

	err := r.Release(bad, good)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, 1, bad.released)
	assert.Equal(t, 1, good.released)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "result(9)", Result(9).String())
}
