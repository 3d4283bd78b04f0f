package cmd

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "reposync-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "reposync-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Claim the PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "reposync-serve.pid"))
	require.NoError(t, pf.Claim())
	t.Cleanup(func() { _ = pf.Release() })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWorkerConfig(t *testing.T) {
	testEnv(t)
	viper.Set("worker.count", 2)
	viper.Set("worker.queue_size", 8)
	viper.Set("worker.max_retry", 0)

	cfg := workerConfig()
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, uint64(0), cfg.MaxRetries)
	assert.Positive(t, cfg.InitialInterval)
}
