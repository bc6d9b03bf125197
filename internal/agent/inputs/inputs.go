// Package inputs locates and reads the measurement files the builders
// consume.
package inputs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is used when a builder is given no limit.
const DefaultConcurrency = 8

// List returns the files of dir whose name ends with suffix, skipping
// editor lock files starting with "~". The result is sorted.
func List(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "~") || !strings.HasSuffix(name, suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Stats counts the files a builder went through.
type Stats struct {
	Files   int
	Skipped int
}

// DecodeAll decodes every file as JSON into a fresh T, concurrency at a
// time, and calls fn with each decoded value in file order. Files that
// cannot be read or decoded are logged and skipped.
func DecodeAll[T any](ctx context.Context, logger *zap.Logger, files []string, concurrency int, fn func(path string, v *T) error) (Stats, error) {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	decoded := make([]*T, len(files))
	var mu sync.Mutex
	stats := Stats{Files: len(files)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range files {
		i, path := i, path // per-iteration copies (go directive predates Go 1.22 loop semantics)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Error("failed to read input", zap.String("file", path), zap.Error(err))
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return nil
			}
			v := new(T)
			if err := json.Unmarshal(data, v); err != nil {
				logger.Error("failed to decode input", zap.String("file", path), zap.Error(err))
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				return nil
			}
			decoded[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for i, v := range decoded {
		if v == nil {
			continue
		}
		if err := fn(files[i], v); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
