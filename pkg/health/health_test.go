package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
)

func newJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := OpenJournal(dir)
	require.NoError(t, err)
	return j
}

func TestJournalRestartHistory(t *testing.T) {
	dir := t.TempDir()
	j := newJournal(t, dir)

	require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "first", ByWatchdog: true}))
	require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "second"}))

	records, err := j.Restarts()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Reason)
	assert.True(t, records[0].ByWatchdog)
	assert.False(t, records[0].At.IsZero())

	last, found, err := j.LastRestart()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", last.Reason)

	require.NoError(t, j.Close())
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j := newJournal(t, dir)
	require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "crash"}))
	require.NoError(t, j.IncrementCheck(true))
	require.NoError(t, j.IncrementCheck(true))
	require.NoError(t, j.IncrementCheck(false))
	require.NoError(t, j.Close())

	// A new process opening the same data dir sees the same history. This is
	// what keeps the watchdog's restart window honest across crash loops.
	j = newJournal(t, dir)
	defer j.Close()

	records, err := j.Restarts()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "crash", records[0].Reason)

	succeeded, failed, err := j.CheckCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(2), succeeded)
	assert.Equal(t, int64(1), failed)
}

func TestJournalRestartsSince(t *testing.T) {
	j := newJournal(t, t.TempDir())
	defer j.Close()

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "old", At: old}))
	require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "recent", At: recent}))

	n, err := j.RestartsSince(time.Now().UTC().Add(-5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = j.RestartsSince(time.Now().UTC().Add(-2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJournalTrimsHistory(t *testing.T) {
	j := newJournal(t, t.TempDir())
	defer j.Close()

	for i := 0; i < maxRestartHistory+10; i++ {
		require.NoError(t, j.AppendRestart(types.RestartRecord{Reason: "loop"}))
	}
	records, err := j.Restarts()
	require.NoError(t, err)
	assert.Len(t, records, maxRestartHistory)
}

func newHealthMonitor(t *testing.T, interval time.Duration) (*Monitor, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	j := newJournal(t, t.TempDir())
	m := NewMonitor(s, j, interval)
	t.Cleanup(func() { m.Close() })
	return m, s
}

func TestPerformHealthCheckHealthy(t *testing.T) {
	m, s := newHealthMonitor(t, time.Minute)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &types.Task{Title: "live"})
	require.NoError(t, err)

	assert.True(t, m.PerformHealthCheck(ctx))

	report, err := m.Report()
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.True(t, report.LastCheckOK)
	assert.Equal(t, int64(1), report.ChecksSucceeded)
	assert.Zero(t, report.ChecksFailed)
	assert.Equal(t, 1, report.TaskCount)
	assert.Greater(t, report.MemoryBytes, uint64(0))
}

func TestPerformHealthCheckFailingProbe(t *testing.T) {
	m, _ := newHealthMonitor(t, time.Minute)
	ctx := context.Background()

	failures := 0
	m.OnFailure(func() { failures++ })
	m.AddProbe("flaky", func(ctx context.Context) error {
		return errors.New("no answer")
	})

	assert.False(t, m.PerformHealthCheck(ctx))
	assert.Equal(t, 1, failures)

	report, err := m.Report()
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, int64(1), report.ChecksFailed)
}

func TestReportBeforeFirstCheck(t *testing.T) {
	m, _ := newHealthMonitor(t, time.Minute)

	report, err := m.Report()
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.True(t, report.LastCheck.IsZero())
}

func TestRecordRestartVisibleInReport(t *testing.T) {
	m, _ := newHealthMonitor(t, time.Minute)

	m.RecordRestart("health check failed", 0, true)

	last, found := m.LastRestart()
	require.True(t, found)
	assert.Equal(t, "health check failed", last.Reason)
	assert.True(t, last.ByWatchdog)
	assert.Equal(t, 1, m.RestartsSince(time.Now().UTC().Add(-time.Minute)))

	report, err := m.Report()
	require.NoError(t, err)
	assert.Len(t, report.Restarts, 1)
}

func TestMonitorStartStop(t *testing.T) {
	m, _ := newHealthMonitor(t, 10*time.Millisecond)

	m.Start()
	m.Start() // idempotent

	require.Eventually(t, func() bool {
		report, err := m.Report()
		return err == nil && report.ChecksSucceeded > 0
	}, 2*time.Second, 20*time.Millisecond)

	m.Stop()
	m.Stop() // idempotent
}
