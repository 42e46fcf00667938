package traffic

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

func readLogs(t *testing.T, dir string) [][][]string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(dir, "uart_*.csv"))
	require.NoError(t, err)
	sort.Strings(names)

	var files [][][]string
	for _, n := range names {
		f, err := os.Open(n)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		files = append(files, rows)
	}
	return files
}

func TestLoggerRotates(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(Entry{Time: now, Command: "AN", Success: true, Response: "A0006"})
	}
	l.Close()

	files := readLogs(t, dir)
	require.Len(t, files, 3)
	assert.Equal(t, csvHeader, files[0][0])
	assert.Len(t, files[0], 3)
	assert.Len(t, files[2], 2)
	assert.Equal(t, []string{"2024-01-15T09:30:00Z", "AN", "true", "0", "A0006", ""}, files[0][1])
}

func TestLoggerDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	assert.False(t, l.IsEnabled())
	l.Record(Entry{Time: time.Now(), Command: "AN"})
	assert.Empty(t, readLogs(t, dir))

	l.SetEnabled(true)
	l.Record(Entry{Time: time.Now(), Command: "AN"})
	l.SetEnabled(false)
	assert.Len(t, readLogs(t, dir), 1)
}

func TestWrapRecordsSends(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	demo := device.NewDemo(device.DemoConfig{Records: 2, Seed: 3})
	require.NoError(t, demo.Connect())

	ch := Wrap(demo, l)
	resp, err := ch.Send(context.Background(), device.CmdCount)
	require.NoError(t, err)
	assert.Equal(t, "A0003", resp.Response)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = ch.Send(ctx, device.FetchCommand(1))
	require.NoError(t, err)

	assert.NoError(t, ch.Flush())
	assert.Equal(t, uint64(2), ch.Stats().Sent)
	l.Close()

	files := readLogs(t, dir)
	require.Len(t, files, 1)
	require.Len(t, files[0], 3)
	assert.Equal(t, "AN", files[0][1][1])
	assert.Equal(t, "00001v", files[0][2][1])
}
