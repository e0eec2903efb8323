package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/runner"
	"github.com/apexhq/apex/pkg/types"
)

// testConfig returns a config bound to an ephemeral port so parallel test
// runs cannot collide.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Daemon.ListenAddr = freeAddr(t)
	cfg.Daemon.PollIntervalMs = 20
	cfg.Daemon.SessionRecovery.Enabled = true
	cfg.Daemon.SessionRecovery.AutoResume = true
	cfg.Daemon.HealthCheck.Enabled = true
	cfg.Daemon.HealthCheck.Interval = 60_000
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(t.TempDir(), testConfig(t), runner.NewCommandExecutor(nil), "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.State() == StateRunning {
			_ = d.Stop()
		}
	})
	return d
}

func TestNewCreatesDataDir(t *testing.T) {
	projectDir := t.TempDir()
	d, err := New(projectDir, testConfig(t), runner.NewCommandExecutor(nil), "test")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(projectDir, ".apex"), d.DataDir())
	info, err := os.Stat(d.DataDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, StateStopped, d.State())
}

func TestStartStopCycle(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateRunning, d.State())

	// Both databases exist under the data dir.
	_, err := os.Stat(filepath.Join(d.DataDir(), "apex.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(d.DataDir(), "daemon.db"))
	assert.NoError(t, err)

	require.NoError(t, d.Stop())
	assert.Equal(t, StateStopped, d.State())

	// A second cycle works against the same data dir.
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, StateRunning, d.State())
	require.NoError(t, d.Stop())
}

func TestInvalidStateTransitions(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	// Stop before start.
	assert.ErrorIs(t, d.Stop(), ErrInvalidState)

	require.NoError(t, d.Start(ctx))
	// Double start.
	assert.ErrorIs(t, d.Start(ctx), ErrInvalidState)

	require.NoError(t, d.Stop())
	// Double stop.
	assert.ErrorIs(t, d.Stop(), ErrInvalidState)
}

func TestRestartCore(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.RestartCore("test restart"))
	assert.Equal(t, StateRunning, d.State())
	require.NoError(t, d.Stop())
}

func TestStatusWhileStopped(t *testing.T) {
	d := newTestDaemon(t)

	st := d.Status(context.Background())
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "test", st.Version)
	assert.Nil(t, st.Usage)
	assert.Nil(t, st.Capacity)
}

func TestStatusWhileRunning(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))

	st := d.Status(context.Background())
	assert.Equal(t, StateRunning, st.State)
	assert.NotEmpty(t, st.Uptime)
	require.NotNil(t, st.Usage)
	assert.Equal(t, 0, st.Usage.ActiveTasks)
	require.NotNil(t, st.Capacity)
	assert.True(t, st.Capacity.Running)
	require.NotNil(t, st.Health)
}

func TestHTTPSurface(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))

	base := fmt.Sprintf("http://%s", d.cfg.Daemon.ListenAddr)
	client := &http.Client{Timeout: 2 * time.Second}

	var resp *http.Response
	var err error
	require.Eventually(t, func() bool {
		resp, err = client.Get(base + "/healthz")
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, StateRunning, st.State)

	resp, err = client.Get(base + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestPausedExecutorParksTasks(t *testing.T) {
	// The nil command executor pauses everything instead of failing it, so a
	// daemon without a configured harness leaves work intact.
	d := newTestDaemon(t)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	task, err := d.store.CreateTask(ctx, &types.Task{Title: "parked", Workflow: "quick"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := d.store.GetTask(ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusPaused
	}, 5*time.Second, 50*time.Millisecond)

	got, err := d.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PauseReasonManual, got.PauseReason)
	require.NoError(t, d.Stop())
}
