package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

func newTestFS(t *testing.T) (*FileSystem, *tasks.Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	s := tasks.NewScheduler(tasks.Config{ThreadPoolSize: 2})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.SignalStop()
		s.Join()
	})
	return New(s, dir), s, dir
}

func TestFileSystemWriteThenRead(t *testing.T) {
	fs, _, dir := newTestFS(t)

	var statuses []Status
	wreq := fs.Write("greeting.txt", []byte("hello"), func(s Status) { statuses = append(statuses, s) })
	require.NoError(t, wreq.Wait())

	wres, err := wreq.WriteResult()
	require.NoError(t, err)
	assert.True(t, wres.Ok)
	assert.NoError(t, wres.Err)
	assert.Contains(t, statuses, Writing)
	assert.Contains(t, statuses, WriteSuccess)

	data, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	var readStatuses []Status
	rreq := fs.Read("greeting.txt", func(s Status) { readStatuses = append(readStatuses, s) })
	require.NoError(t, rreq.Wait())

	rres, err := rreq.ReadResult()
	require.NoError(t, err)
	assert.True(t, rres.Ok)
	assert.Equal(t, "hello", string(rres.Data))
	assert.Contains(t, readStatuses, Opening)
	assert.Contains(t, readStatuses, ReadingSuccessEof)

	require.NoError(t, rreq.Close())
	require.NoError(t, wreq.Close())
}

func TestFileSystemReadMissingFile(t *testing.T) {
	fs, _, _ := newTestFS(t)

	req := fs.Read("nope.txt", nil)
	require.NoError(t, req.Wait())

	res, err := req.ReadResult()
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Error(t, res.Err)
}

func TestFileSystemReadLargeFileSpansMultipleChunks(t *testing.T) {
	fs, _, dir := newTestFS(t)

	want := make([]byte, readChunkSize*3+17)
	for i := range want {
		want[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), want, 0o644))

	var readingCount int
	req := fs.Read("big.bin", func(s Status) {
		if s == Reading {
			readingCount++
		}
	})
	require.NoError(t, req.Wait())

	res, err := req.ReadResult()
	require.NoError(t, err)
	require.True(t, res.Ok)
	assert.Equal(t, want, res.Data)
	assert.GreaterOrEqual(t, readingCount, 4)
}

func TestFileSystemListDir(t *testing.T) {
	fs, _, dir := newTestFS(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	entries, err := fs.ListDir(".")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.True(t, entries[2].IsDir)
}

func TestFileSystemStat(t *testing.T) {
	fs, _, dir := newTestFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("1234"), 0o644))

	attrs, err := fs.Stat("f.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), attrs.Size)
	assert.False(t, attrs.IsDir)
}

func TestFileSystemDeleteFileAndDirectory(t *testing.T) {
	fs, _, dir := newTestFS(t)
	require.NoError(t, fs.CarveDirectoryPath("nested/dir"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested/dir/f.txt"), []byte("x"), 0o644))

	require.NoError(t, fs.DeleteFile("nested/dir/f.txt"))
	_, err := fs.Stat("nested/dir/f.txt")
	assert.Error(t, err)

	require.NoError(t, fs.DeleteDirectory("nested"))
	_, err = fs.Stat("nested")
	assert.Error(t, err)
}
