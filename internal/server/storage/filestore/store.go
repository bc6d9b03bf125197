// Package filestore keeps graph documents as JSON files in one directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
)

const graphExt = ".json"

// Names must be a plain *.json file inside the store directory.
var (
	ErrInvalidName = model.ErrInvalidGraphName
	ErrNotFound    = model.ErrGraphNotFound
)

// Store implements model.GraphSource and model.GraphSink on a directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create graph directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger.Named("filestore")}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// ListGraphs returns the *.json files of the directory sorted by name.
func (s *Store) ListGraphs(ctx context.Context) ([]model.GraphFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph directory: %w", err)
	}

	files := make([]model.GraphFile, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), graphExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			s.logger.Debug("skipping unreadable entry", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		files = append(files, model.GraphFile{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ReadGraph returns the raw content of the named graph.
func (s *Store) ReadGraph(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph %s: %w", name, err)
	}
	return data, nil
}

// WriteGraph stores data under name, replacing any previous content.
// The file is written to a temporary name and renamed into place.
func (s *Store) WriteGraph(_ context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write graph %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write graph %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store graph %s: %w", name, err)
	}

	s.logger.Info("graph stored", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, graphExt) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}
