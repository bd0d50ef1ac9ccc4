// Package artifact stores uploaded application packages on the local filesystem.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// Extension is the suffix of every stored artifact file.
	Extension = ".apk"

	mimeAPK = "application/vnd.android.package-archive"
	mimeZip = "application/zip"
)

var (
	ErrNotFound        = errors.New("artifact not found")
	ErrInvalidID       = errors.New("invalid artifact id")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrTooLarge        = errors.New("artifact exceeds maximum size")
	ErrNotPackage      = errors.New("file is not an application package")
)

// Artifact describes one stored upload. It is immutable after creation.
type Artifact struct {
	ID         string    `json:"artifact_id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Path       string    `json:"-"`
	MimeType   string    `json:"mime_type"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Options configures a Store.
type Options struct {
	Dir        string
	ResultsDir string
	MaxBytes   int64
}

// Store writes exactly one file per artifact at <Dir>/<id>.apk.
type Store struct {
	dir        string
	resultsDir string
	maxBytes   int64
	logger     logrus.FieldLogger

	mu    sync.RWMutex
	metas map[string]Artifact
}

// NewStore creates the storage directories and returns a Store.
func NewStore(opts Options, logger logrus.FieldLogger) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if opts.ResultsDir == "" {
		opts.ResultsDir = filepath.Join(opts.Dir, "results")
	}
	for _, dir := range []string{opts.Dir, opts.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Store{
		dir:        opts.Dir,
		resultsDir: opts.ResultsDir,
		maxBytes:   opts.MaxBytes,
		logger:     logger,
		metas:      make(map[string]Artifact),
	}, nil
}

// Put streams r into a new artifact. The content must be a zip based package
// and the filename must carry the .apk extension.
func (s *Store) Put(r io.Reader, filename string) (*Artifact, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	size, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	mtype, err := mimetype.DetectFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	if !isPackage(mtype) {
		return nil, fmt.Errorf("%w: detected %s", ErrNotPackage, mtype.String())
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, id+Extension)
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}
	committed = true

	art := Artifact{
		ID:         id,
		Filename:   filename,
		Size:       size,
		Path:       path,
		MimeType:   mtype.String(),
		UploadedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.metas[id] = art
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"artifact_id": id,
		"filename":    filename,
		"size":        size,
		"mime_type":   art.MimeType,
	}).Info("Stored artifact")

	return &art, nil
}

// PathOf returns the location of the artifact file.
func (s *Store) PathOf(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, id+Extension)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("failed to stat artifact %s: %w", id, err)
	}
	return path, nil
}

// Get returns the artifact metadata. Artifacts stored by a previous process
// are described from the file alone.
func (s *Store) Get(id string) (*Artifact, error) {
	path, err := s.PathOf(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	art, ok := s.metas[id]
	s.mu.RUnlock()
	if ok {
		return &art, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact %s: %w", id, err)
	}
	return &Artifact{
		ID:         id,
		Filename:   id + Extension,
		Size:       info.Size(),
		Path:       path,
		MimeType:   mimeAPK,
		UploadedAt: info.ModTime().UTC(),
	}, nil
}

// ResultsDir returns, creating it if needed, the directory that holds tool
// output for the artifact's job.
func (s *Store) ResultsDir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.resultsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes artifacts, and their results, last modified before the
// retention window. It returns the number of artifacts removed.
func (s *Store) Cleanup(retention time.Duration) (int, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*"+Extension))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	cleaned := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(f), Extension)
		if err := os.Remove(f); err != nil {
			s.logger.WithError(err).WithField("artifact_id", id).Warn("Failed to remove artifact")
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.resultsDir, id)); err != nil {
			s.logger.WithError(err).WithField("artifact_id", id).Warn("Failed to remove results directory")
		}
		s.mu.Lock()
		delete(s.metas, id)
		s.mu.Unlock()
		cleaned++
	}

	if cleaned > 0 {
		s.logger.WithField("count", cleaned).Info("Cleaned up old artifacts")
	}
	return cleaned, nil
}

// ValidateID rejects ids that could escape the storage directory.
func ValidateID(id string) error {
	if id == "" || id == "." || strings.ContainsAny(id, `/\`+"\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`+"\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if !strings.EqualFold(filepath.Ext(name), Extension) {
		return fmt.Errorf("%w: only %s files are accepted", ErrNotPackage, Extension)
	}
	return nil
}

func isPackage(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(mimeAPK) || m.Is(mimeZip) {
			return true
		}
	}
	return false
}
