package fileio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "handle"), os.O_CREATE|os.O_RDWR, 0o644)

	require.NoError(t, f.Open())
	require.NoError(t, f.Open())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestWriteThenReadRoundtrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	ctx := context.Background()

	f := New(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	require.NoError(t, f.Open())
	defer f.Close()

	n, err := f.Write(ctx, []byte("hello kirk"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	pos, err := f.Tell(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)

	_, err = f.Seek(ctx, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err = f.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello kirk", string(buf[:n]))
}

func TestLinesYieldsEachLineUntilEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	f := New(path, os.O_RDONLY, 0)
	require.NoError(t, f.Open())
	defer f.Close()

	var lines []string
	err := f.Lines(context.Background(), func(line string) bool {
		lines = append(lines, line)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestLinesStopsEarlyWhenYieldReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	f := New(path, os.O_RDONLY, 0)
	require.NoError(t, f.Open())
	defer f.Close()

	var lines []string
	err := f.Lines(context.Background(), func(line string) bool {
		lines = append(lines, line)
		return len(lines) < 1
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, lines)
}

func TestOperationsOnUnopenedFileFail(t *testing.T) {
	f := New("/nonexistent", os.O_RDONLY, 0)
	_, err := f.Read(context.Background(), make([]byte, 1))
	assert.Error(t, err)
}

func TestWriteFileAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")

	require.NoError(t, WriteFileAtomic(context.Background(), path, []byte(`{"ok":true}`), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFileAtomicOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, WriteFileAtomic(context.Background(), path, []byte("fresh"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}
