package testlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netscript/script"
)

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC)
	tests := []struct {
		name string
		want string
	}{
		{"Spawn Test", "Spawn_Test_20240501_140309.log"},
		{"scene-change_2", "scene-change_2_20240501_140309.log"},
		{"a/b:c", "a_b_c_20240501_140309.log"},
		{"   ", "test_20240501_140309.log"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.name, at))
		})
	}
}

func TestSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	started := time.Date(2024, 5, 1, 14, 3, 9, 0, time.Local)

	sink, err := Open(dir, "Spawn Test", started)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Spawn_Test_20240501_140309.log"), sink.Path())

	sink.LogStep(1, 2, script.KindSpawnServer)
	sink.LogPass("Verify Beacons (all)")
	sink.LogFail("Verify Beacon Count", "✗ Expected 3 beacons, found 2")
	sink.Log("Delivery: peer 0 expected 3, confirmed 3")
	sink.LogSummary(1, 1)
	require.NoError(t, sink.Close())

	sink.Log("after close")
	assert.NoError(t, sink.Close(), "closing twice is harmless")

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	out := string(data)

	assert.True(t, strings.HasPrefix(out, rule+"\nNETSCRIPT TEST LOG\nTest: Spawn Test\nDate: 2024-05-01 14:03:09\n"))
	assert.Contains(t, out, "Step 1/2: SpawnServer\n")
	assert.Contains(t, out, "✓ PASS | Verify Beacons (all)\n")
	assert.Contains(t, out, "✗ FAIL | Verify Beacon Count\n")
	assert.Contains(t, out, "  Reason: ✗ Expected 3 beacons, found 2\n")
	assert.Contains(t, out, "Delivery: peer 0 expected 3, confirmed 3\n")
	assert.Contains(t, out, "TEST SUMMARY\nPassed: 1\nFailed: 1\nTotal: 2\nSuccess Rate: 50.0%\n")
	assert.NotContains(t, out, "after close")
}

func TestSummaryWithoutRecords(t *testing.T) {
	sink, err := Open(t.TempDir(), "Empty", time.Now())
	require.NoError(t, err)
	sink.LogSummary(0, 0)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "Success Rate: 0.0%")
}

func TestOpener(t *testing.T) {
	dir := t.TempDir()
	open := Opener(dir)

	sink, err := open("Opened", time.Now())
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, dir, filepath.Dir(sink.Path()))
}

func TestOpenFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := Open(filepath.Join(file, "results"), "x", time.Now())
	assert.Error(t, err)
}
