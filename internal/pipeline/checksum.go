package pipeline

import (
	"bytes"
	"crypto/sha256"
	"io"
	"os"

	"backupd/internal/logger"

	"go.uber.org/zap"
)

const digestBufferSize = 64 * 1024

// ChangeDetector decides whether a target file still matches its source by
// comparing SHA-256 digests.
type ChangeDetector struct{}

func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Digest streams path through SHA-256. ok is false when the file could not be
// read; the error is logged, never returned.
func (d *ChangeDetector) Digest(path string) (sum []byte, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		logger.Log.Debug("digest failed",
			zap.String("path", path),
			zap.Error(err))
		return nil, false
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	h := sha256.New()
	buf := make([]byte, digestBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		logger.Log.Debug("digest failed",
			zap.String("path", path),
			zap.Error(err))
		return nil, false
	}

	return h.Sum(nil), true
}

// Equal reports whether both files digest successfully to the same value.
// Any failure counts as a difference.
func (d *ChangeDetector) Equal(a, b string) bool {
	sumA, ok := d.Digest(a)
	if !ok {
		return false
	}

	sumB, ok := d.Digest(b)
	if !ok {
		return false
	}

	return bytes.Equal(sumA, sumB)
}
