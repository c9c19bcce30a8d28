// Package storage keeps the raw instrument files a dataset is extracted from.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Storage interface {
	// Save stores content under a fresh key derived from name.
	Save(ctx context.Context, name string, content io.Reader) (string, error)
	// Open returns the file stored under key, or common.ErrFileNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// generateKey builds "datafiles/YYYY/MM/DD/<base>_<short-uuid><ext>".
func generateKey(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)
	base = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(base)

	return fmt.Sprintf("datafiles/%s/%s_%s%s", time.Now().UTC().Format("2006/01/02"), base, uuid.New().String()[:8], ext)
}

func newBytesReader(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}
