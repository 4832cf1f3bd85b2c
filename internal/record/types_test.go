package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSerialization(t *testing.T) {
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Second)

	t.Run("serializes a finished run", func(t *testing.T) {
		code := 33
		r := Record{
			ID:            "5f1c2a9e",
			Status:        StatusFinished,
			PID:           4242,
			Monitor:       "qemu-system-x86_64",
			FeatureFlags:  []string{"visualize-allocator"},
			Timeout:       "1m0s",
			Outcome:       "passed",
			ExitCode:      &code,
			ConsoleLog:    "/work/build/serial.log",
			StagingRoot:   "/work/build/mnt",
			StagingDigest: "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			StartedAt:     started,
			FinishedAt:    &finished,
		}

		data, err := json.Marshal(r)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))

		assert.Equal(t, "finished", m["status"])
		assert.Equal(t, float64(33), m["exit_code"])
		assert.Equal(t, "passed", m["outcome"])
		assert.NotEmpty(t, m["finished_at"])
	})

	t.Run("omits fields of a run still in progress", func(t *testing.T) {
		r := Record{
			ID:          "5f1c2a9e",
			Status:      StatusRunning,
			Monitor:     "qemu-system-x86_64",
			ConsoleLog:  "/work/build/serial.log",
			StagingRoot: "/work/build/mnt",
			StartedAt:   started,
		}

		data, err := json.Marshal(r)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))

		assert.NotContains(t, m, "exit_code")
		assert.NotContains(t, m, "outcome")
		assert.NotContains(t, m, "finished_at")
		assert.NotContains(t, m, "debug_address")
	})
}

func TestRecordLifecycle(t *testing.T) {
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r := Record{Status: StatusRunning, StartedAt: started}

	assert.True(t, r.Active())
	assert.Equal(t, 5*time.Second, r.Duration(started.Add(5*time.Second)))

	r.Status = StatusHeld
	assert.True(t, r.Active())

	r.Finish(StatusKilled, started.Add(time.Minute))
	assert.False(t, r.Active())
	assert.Equal(t, time.Minute, r.Duration(started.Add(time.Hour)))
}
