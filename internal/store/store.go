// Package store keeps series documents as JSON files, one per series.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	appLog "conseries/internal/log"
	"conseries/internal/model"
)

// ErrNotFound is returned when no document exists for a series.
var ErrNotFound = errors.New("series not found")

// FileStore reads and writes "<id>.json" documents. Series found in neither
// Dir nor PendingDir are created in PendingDir so they can be reviewed
// before being published.
type FileStore struct {
	Dir        string
	PendingDir string

	validator *Validator

	mu    sync.Mutex
	paths map[string]string
}

// NewFileStore returns a store rooted at dir. pendingDir may be empty, in
// which case new series are written to dir.
func NewFileStore(dir, pendingDir string) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{
		Dir:        dir,
		PendingDir: pendingDir,
		validator:  NewValidator(),
		paths:      make(map[string]string),
	}
}

// Load reads a series, preferring Dir over PendingDir, and validates it.
func (s *FileStore) Load(_ context.Context, id string) (*model.Series, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	for _, dir := range s.searchDirs() {
		path := filepath.Join(dir, id+".json")
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", path, err)
		}

		series, err := model.DecodeSeries(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", path, err)
		}
		if err := s.validator.Validate(series); err != nil {
			return nil, fmt.Errorf("store: %s: %w", path, err)
		}

		s.remember(id, path)
		return series, nil
	}
	return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
}

// Create returns an empty series that Save will place in PendingDir.
func (s *FileStore) Create(_ context.Context, id, name, url string) (*model.Series, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	dir := s.PendingDir
	if dir == "" {
		dir = s.Dir
	}
	s.remember(id, filepath.Join(dir, id+".json"))
	return model.NewSeries(name, url), nil
}

// Save validates and atomically replaces the document for id.
func (s *FileStore) Save(_ context.Context, id string, series *model.Series) error {
	if err := checkID(id); err != nil {
		return err
	}
	if series == nil {
		return errors.New("store: series is nil")
	}
	if err := s.validator.Validate(series); err != nil {
		return fmt.Errorf("store: refusing to save %s: %w", id, err)
	}

	path := s.pathFor(id)
	var buf bytes.Buffer
	if err := model.EncodeSeries(&buf, series); err != nil {
		return fmt.Errorf("store: encode %s: %w", id, err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	appLog.Debug("series written", "series", id, "path", path, "bytes", buf.Len())
	return nil
}

// List returns the ids of all series in Dir, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", s.Dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) searchDirs() []string {
	if s.PendingDir == "" || s.PendingDir == s.Dir {
		return []string{s.Dir}
	}
	return []string{s.Dir, s.PendingDir}
}

func (s *FileStore) remember(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[id] = path
}

func (s *FileStore) pathFor(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[id]; ok {
		return p
	}
	return filepath.Join(s.Dir, id+".json")
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("store: invalid series id %q", id)
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".conseries-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
