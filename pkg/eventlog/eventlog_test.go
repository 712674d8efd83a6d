package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
)

func readEntries(t *testing.T, path string) []types.LogEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []types.LogEntry
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestOpen_MissingFile(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "log.json")}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestOpen_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"array"}`), 0o644))

	_, err := Open(Config{Path: path}, logrus.New())
	assert.Error(t, err)
}

func TestAppend_PersistsJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	l, err := Open(Config{Path: path}, logrus.New())
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local) }

	require.NoError(t, l.Append(types.NewLogEntry("/w/a.txt", "File integrity mismatch detected")))
	require.NoError(t, l.Append(types.NewLogEntry("/w/a.txt", "Predictive threat detected").WithScore(91, 72.1)))

	got := readEntries(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-05-01 09:30:00", got[0].Timestamp)
	assert.Equal(t, "File integrity mismatch detected", got[0].Message)
	assert.Nil(t, got[0].ThreatScore)
	require.NotNil(t, got[1].ThreatScore)
	assert.Equal(t, 91, *got[1].ThreatScore)
	assert.InDelta(t, 72.1, *got[1].DivineMetric, 1e-9)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  {", "file should be indented")
}

func TestOpen_ResumesExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	first, err := Open(Config{Path: path}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, first.Append(types.NewLogEntry("a", "one")))

	second, err := Open(Config{Path: path}, logrus.New())
	require.NoError(t, err)
	require.NoError(t, second.Append(types.NewLogEntry("b", "two")))

	got := readEntries(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "two", got[1].Message)
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	const writers, perWriter = 8, 25
	path := filepath.Join(t.TempDir(), "log.json")
	l, err := Open(Config{Path: path}, logrus.New())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := fmt.Sprintf("writer-%d-entry-%d", w, i)
				assert.NoError(t, l.Append(types.NewLogEntry("src", msg)))
			}
		}(w)
	}
	wg.Wait()

	got := readEntries(t, path)
	require.Len(t, got, writers*perWriter)
	seen := make(map[string]int, len(got))
	for _, e := range got {
		seen[e.Message]++
	}
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			assert.Equal(t, 1, seen[fmt.Sprintf("writer-%d-entry-%d", w, i)])
		}
	}
}

func TestAppend_PersistFailureKeepsEntry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	path := filepath.Join(dir, "log.json")
	l, err := Open(Config{Path: path}, logrus.New())
	require.NoError(t, err)

	err = l.Append(types.NewLogEntry("a", "lost?"))
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, l.Append(types.NewLogEntry("b", "second")))

	got := readEntries(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, "lost?", got[0].Message)
}

func TestAppend_ConsoleLine(t *testing.T) {
	var console bytes.Buffer
	l, err := Open(Config{Console: &console}, logrus.New())
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }

	require.NoError(t, l.Append(types.NewLogEntry("/w/x", "File deleted")))
	require.NoError(t, l.Append(types.NewLogEntry("/w/y", "High CPU usage - potential threat").WithScore(80, 66.403677)))

	assert.Equal(t,
		"2024-01-02 03:04:05 - /w/x - File deleted\n"+
			"2024-01-02 03:04:05 - /w/y - High CPU usage - potential threat [Score: 80] [Divine: 66.40]\n",
		console.String())
}

func TestRecent(t *testing.T) {
	l, err := Open(Config{}, logrus.New())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(types.NewLogEntry("s", fmt.Sprint(i))))
	}

	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].Message)
	assert.Equal(t, "4", recent[1].Message)
	assert.Len(t, l.Recent(0), 5)
	assert.Len(t, l.Recent(50), 5)
}
