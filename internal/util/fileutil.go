package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	TempSuffix       = ".backupd.tmp"
	DefaultChunkSize = 1 << 20
)

func AtomicWrite(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmp := dst + TempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = RemoveIfExists(tmp)
		return fmt.Errorf("failed to write: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = RemoveIfExists(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = RemoveIfExists(tmp)
		return fmt.Errorf("failed to rename: %w", err)
	}

	return nil
}

func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// ChunkPacer is called after every chunk written by FileCopier.
type ChunkPacer interface {
	Pace(ctx context.Context)
}

// FileCopier copies whole files in fixed-size chunks through a temp file, so
// the target is either the old content or the complete new content.
type FileCopier struct {
	ChunkSize int
	Pacer     ChunkPacer
}

func NewFileCopier(chunkSize int, pacer ChunkPacer) *FileCopier {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &FileCopier{ChunkSize: chunkSize, Pacer: pacer}
}

// Copy returns the time spent copying src to dst. The copy is never
// interrupted by ctx cancellation once started.
func (c *FileCopier) Copy(ctx context.Context, src, dst string) (time.Duration, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open src: %w", err)
	}

	defer func(in *os.File) {
		_ = in.Close()
	}(in)

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat src: %w", err)
	}

	tmp := dst + TempSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to open dst: %w", err)
	}

	buf := make([]byte, c.ChunkSize)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				_ = out.Close()
				_ = RemoveIfExists(tmp)
				return 0, fmt.Errorf("failed to write: %w", werr)
			}

			if c.Pacer != nil {
				c.Pacer.Pace(ctx)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = out.Close()
			_ = RemoveIfExists(tmp)
			return 0, fmt.Errorf("failed to read: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		_ = RemoveIfExists(tmp)
		return 0, fmt.Errorf("failed to close dst: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = RemoveIfExists(tmp)
		return 0, fmt.Errorf("failed to rename tmp: %w", err)
	}

	_ = os.Chtimes(dst, time.Now(), info.ModTime())

	return time.Since(start), nil
}
