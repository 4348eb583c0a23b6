package util

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPacer struct {
	calls atomic.Int32
}

func (p *countingPacer) Pace(context.Context) {
	p.calls.Add(1)
}

func TestFileCopierCopiesInChunks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	content := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, os.WriteFile(src, content, 0644))

	modTime := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(src, modTime, modTime))

	pacer := &countingPacer{}
	c := NewFileCopier(4096, pacer)

	_, err := c.Copy(context.Background(), src, dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// 10000 bytes in 4096-byte chunks.
	assert.Equal(t, int32(3), pacer.calls.Load())

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modTime))

	_, err = os.Stat(dst + TempSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestFileCopierIgnoresCancellation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileCopier(0, nil).Copy(ctx, src, dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestFileCopierMissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileCopier(0, nil).Copy(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
}

func TestAtomicWrite(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, AtomicWrite(dst, strings.NewReader("first")))
	require.NoError(t, AtomicWrite(dst, strings.NewReader("second")))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, RemoveIfExists(path))

	require.NoError(t, os.WriteFile(path, nil, 0644))
	require.NoError(t, RemoveIfExists(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
