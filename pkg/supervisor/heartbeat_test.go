package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_WritesOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.heartbeat")
	h := newHeartbeat(path, 20*time.Millisecond, zerolog.Nop())
	h.start()
	defer h.stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_RefreshesOnTicker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.heartbeat")
	h := newHeartbeat(path, 10*time.Millisecond, zerolog.Nop())
	h.start()
	defer h.stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) != string(first)
	}, time.Second, 5*time.Millisecond)
}

func TestReadStatus_Unknown(t *testing.T) {
	status, _, err := ReadStatus(filepath.Join(t.TempDir(), "missing"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)
}

func TestReadStatus_Healthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.heartbeat")
	h := newHeartbeat(path, time.Second, zerolog.Nop())
	h.start()
	defer h.stop()

	require.Eventually(t, func() bool {
		status, _, err := ReadStatus(path, time.Second)
		return err == nil && status == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}

func TestReadStatus_Unhealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.heartbeat")
	old := time.Now().Add(-time.Hour)
	data, err := json.Marshal(heartbeatDoc{Timestamp: old, PID: os.Getpid()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	status, last, err := ReadStatus(path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, status)
	assert.WithinDuration(t, old, last, time.Second)
}

func TestReadStatus_Error(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.heartbeat")
	require.NoError(t, os.WriteFile(path, []byte("not-a-timestamp"), 0o644))

	status, _, err := ReadStatus(path, time.Second)
	assert.Error(t, err)
	assert.Equal(t, StatusError, status)
}
