package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds named datasets. Names are parquet file basenames without
// the extension.
type Registry struct {
	mu   sync.RWMutex
	dir  string
	sets map[string]Dataset
}

func NewRegistry() *Registry {
	return &Registry{sets: map[string]Dataset{}}
}

func (r *Registry) Add(name string, ds Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[name] = ds
}

func (r *Registry) Get(name string) (Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return ds, nil
}

// Dataset satisfies pipeline.Resolver.
func (r *Registry) Dataset(name string) (Dataset, error) {
	return r.Get(name)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sets))
	for k := range r.sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Ready reports whether at least one dataset is loaded.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets) > 0
}

// LoadDir loads every *.parquet file in dir concurrently.
func (r *Registry) LoadDir(ctx context.Context, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("glob %s: %w", dir, err)
	}

	loaded := make([]Dataset, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ds, err := OpenParquet(p)
			if err != nil {
				return err
			}
			loaded[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = dir
	for i, p := range paths {
		r.sets[nameFromPath(p)] = loaded[i]
	}
	return nil
}

// Reload re-reads one dataset from the directory given to LoadDir. A missing
// file removes the dataset.
func (r *Registry) Reload(_ context.Context, name string) error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("reload %q: registry has no backing directory", name)
	}

	path := filepath.Join(dir, name+".parquet")
	ds, err := OpenParquet(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.Remove(name)
			return nil
		}
		return err
	}
	r.Add(name, ds)
	return nil
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, name)
}

func nameFromPath(p string) string {
	return strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
}

// Readiness reports whether at least one dataset has been loaded. It has no
// partitions to report.
func (r *Registry) Readiness() (bool, []int32) {
	return r.Ready(), nil
}
