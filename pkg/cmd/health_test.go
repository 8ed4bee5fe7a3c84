package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunHealthCheckFreshReadyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require := assertNoErr(t)
	require(os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644))

	err := runHealthCheck(t.Context(), path)
	assert.NoError(t, err)
}

func TestRunHealthCheckMissingReadyFile(t *testing.T) {
	err := runHealthCheck(t.Context(), filepath.Join(t.TempDir(), "does-not-exist"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable")
}

func TestRunHealthCheckStaleReadyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require := assertNoErr(t)
	require(os.WriteFile(path, []byte("stale"), 0o644))

	stale := time.Now().Add(-readyFileFreshness - time.Minute)
	require(os.Chtimes(path, stale, stale))

	err := runHealthCheck(t.Context(), path)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestNewHealthCmd(t *testing.T) {
	cmd := newHealthCmd()

	assert.Equal(t, "health", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	flag := cmd.Flags().Lookup("ready-file")
	assert.NotNil(t, flag)
	assert.Equal(t, "./run/ready", flag.DefValue)
}

func assertNoErr(t *testing.T) func(error) {
	t.Helper()

	return func(err error) {
		t.Helper()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}
