package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobRecord struct {
	name    string
	success bool
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []jobRecord
}

func (r *recordingRecorder) RecordJob(name string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, jobRecord{name: name, success: success})
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingRecorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := &recordingRecorder{}
	return NewScheduler(&SchedulerConfig{Timezone: "UTC"}, rec, logger), rec
}

func TestScheduler_AddJobValidation(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddJob("cleanup", "0 */5 * * * *", time.Minute, noop))
	assert.Error(t, s.AddJob("cleanup", "0 */5 * * * *", time.Minute, noop), "duplicate name")
	assert.Error(t, s.AddJob("broken", "not a schedule", time.Minute, noop))
	assert.Error(t, s.AddJob("", "@every 1m", time.Minute, noop))
	assert.Error(t, s.AddJob("nil", "@every 1m", time.Minute, nil))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "cleanup", jobs[0].Name)
	assert.False(t, jobs[0].NextRun.IsZero(), "next run is known before Start")
	assert.True(t, jobs[0].NextRun.After(time.Now().Add(-time.Second)))
	assert.WithinDuration(t, time.Now(), jobs[0].NextRun, 5*time.Minute+time.Second)
}

func TestScheduler_RunNowRecordsOutcome(t *testing.T) {
	s, rec := newTestScheduler(t)

	require.NoError(t, s.AddJob("ok", "@every 1h", time.Second, func(context.Context) error { return nil }))
	require.NoError(t, s.AddJob("fails", "@every 1h", time.Second, func(context.Context) error {
		return errors.New("database is locked")
	}))

	require.NoError(t, s.RunNow("ok"))
	assert.Error(t, s.RunNow("fails"))
	assert.Error(t, s.RunNow("missing"))

	assert.Equal(t, []jobRecord{{"ok", true}, {"fails", false}}, rec.records)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "database is locked", jobs[0].LastError)
	assert.EqualValues(t, 1, jobs[0].RunCount)
	assert.NotNil(t, jobs[1].LastRun)
}

func TestScheduler_TimeoutCancelsJob(t *testing.T) {
	s, _ := newTestScheduler(t)

	require.NoError(t, s.AddJob("slow", "@every 1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := s.RunNow("slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StartRunsJobsAndStopCancels(t *testing.T) {
	s, _ := newTestScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "* * * * * *", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop())
}
