package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dm/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "dm-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "dm-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so stop should return an error.
	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStopRun_StalePIDFile(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "dm-serve.pid"))
	require.NoError(t, pf.WritePID(0x7ffffffe))

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
	_, rerr := pf.Read()
	assert.Error(t, rerr, "stale PID file should be removed")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	// Hold the PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "dm-serve.pid"))
	require.NoError(t, pf.Acquire())
	t.Cleanup(func() { _ = pf.Release() })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeRun_RefusesSecondInstance(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "dm-serve.pid"))
	require.NoError(t, pf.Acquire())
	t.Cleanup(func() { _ = pf.Release() })

	err := serveRun(context.Background())
	require.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}

func TestNewAPIServer_WiresDependencies(t *testing.T) {
	testEnv(t)
	viper.Set("chat.operators", []string{"alice"})

	srv, err := newAPIServer()
	require.NoError(t, err)

	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// History is backed by the SQLite database under state_dir.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects/ghost/history", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The operator allowlist comes from chat.operators.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/mallory", jsonBody(t, map[string]string{"intent": "deploy_start"})))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
