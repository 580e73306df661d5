package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"prism-board/domain"
)

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Files stores uploaded attachments on local disk.
type Files struct {
	dir       string
	urlPrefix string
	now       func() time.Time
}

// NewFiles creates the upload directory if needed. urlPrefix is prepended to
// stored file names to build attachment paths.
func NewFiles(dir, urlPrefix string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Files{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/"), now: time.Now}, nil
}

// Save writes r under a new id. Content larger than maxBytes is discarded
// and ErrFileTooLarge returned.
func (f *Files) Save(ctx context.Context, originalName string, r io.Reader, maxBytes int64) (domain.Attachment, error) {
	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(originalName))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	name := id + ext
	full := filepath.Join(f.dir, name)
	out, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Attachment{}, err
	}
	n, err := io.Copy(out, io.LimitReader(r, maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && n > maxBytes {
		err = fmt.Errorf("%s: %w", originalName, domain.ErrFileTooLarge)
	}
	if err != nil {
		_ = os.Remove(full)
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		ID:           id,
		Path:         f.urlPrefix + "/" + name,
		OriginalName: filepath.Base(originalName),
		CreatedAt:    f.now().UTC(),
	}, nil
}

// Path returns the location on disk of a stored file name, or ErrNotFound.
func (f *Files) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("file %q: %w", name, domain.ErrNotFound)
	}
	full := filepath.Join(f.dir, name)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("file %q: %w", name, domain.ErrNotFound)
	}
	return full, nil
}
