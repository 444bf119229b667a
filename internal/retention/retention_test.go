package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/statekeep/internal/backend"
	"github.com/loykin/statekeep/internal/state"
)

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (p *countingPruner) Prune(keepStates, keepLogs int) (int, int, error) {
	p.calls.Add(1)
	return 1, 0, p.err
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{}.Validate())
	assert.False(t, Policy{}.Enabled())
	for _, s := range []string{"@daily", "@every 1h", "0 3 * * *", "*/10 * * * * *"} {
		assert.NoError(t, Policy{Schedule: s}.Validate(), s)
	}
	assert.Error(t, Policy{Schedule: "every day"}.Validate())
	assert.Error(t, Policy{Schedule: "@daily", TimeZone: "Mars/Olympus"}.Validate())
	assert.Error(t, Policy{KeepStates: -1}.Validate())
}

func TestNewScheduler_RequiresSchedule(t *testing.T) {
	_, err := NewScheduler(Policy{}, &countingPruner{}, nil)
	assert.Error(t, err)
}

func TestRunOnce_PrunesBackend(t *testing.T) {
	f := backend.New(filepath.Join(t.TempDir(), "state.json"))
	for i := 0; i < 5; i++ {
		_, err := f.RecordState(state.Value(`{"n":1}`))
		require.NoError(t, err)
	}
	_, err := f.RecordLog("hello", nil)
	require.NoError(t, err)

	s, err := NewScheduler(Policy{Schedule: "@daily", KeepStates: 2}, f, nil)
	require.NoError(t, err)
	res := s.RunOnce()
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.RemovedStates)
	assert.Equal(t, 0, res.RemovedLogs)

	states, err := f.States(0)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, res.RemovedStates, last.RemovedStates)
}

func TestRunOnce_ReportsError(t *testing.T) {
	p := &countingPruner{err: errors.New("disk gone")}
	s, err := NewScheduler(Policy{Schedule: "@daily"}, p, nil)
	require.NoError(t, err)
	assert.Error(t, s.RunOnce().Err)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	p := &countingPruner{}
	s, err := NewScheduler(Policy{Schedule: "@every 1s"}, p, nil)
	require.NoError(t, err)
	_, ok := s.Last()
	assert.False(t, ok)

	s.Start()
	assert.False(t, s.Next().IsZero())
	assert.Eventually(t, func() bool { return p.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
