// Package pipeline turns a selection Config into rules, composes them over a
// dataset and returns the resulting view. All validation happens here: a
// returned view never fails for configuration reasons at read time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-select/internal/cache/keys"
	"github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/grid"
	mylog "github.com/mohammed-shakir/grid-select/internal/logger"
	"github.com/mohammed-shakir/grid-select/internal/selection"
	"github.com/mohammed-shakir/grid-select/internal/selevents"
	"github.com/mohammed-shakir/grid-select/internal/view"
)

// Resolver looks up auxiliary datasets by name.
type Resolver interface {
	Dataset(name string) (dataset.Dataset, error)
}

// IndexCache memoises composed index maps. Implementations must treat their
// own failures as misses.
type IndexCache interface {
	Get(ctx context.Context, dataset, fingerprint string) (selection.IndexMap, bool)
	Put(ctx context.Context, dataset, fingerprint string, idx selection.IndexMap)
}

type Option func(*Builder)

func WithIndexCache(c IndexCache) Option {
	return func(b *Builder) { b.cache = c }
}

func WithPublisher(p selevents.Publisher) Option {
	return func(b *Builder) { b.events = p }
}

type Builder struct {
	log      *slog.Logger
	resolver Resolver
	cache    IndexCache
	events   selevents.Publisher
}

func NewBuilder(log *slog.Logger, resolver Resolver, opts ...Option) *Builder {
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{log: log, resolver: resolver, events: selevents.Nop{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Rules instantiates the configured rules in the fixed order thinning, area,
// maskfromdataset, trimedge, resolving dataset references.
func (b *Builder) Rules(cfg Config) ([]selection.Rule, error) {
	var rules []selection.Rule
	if t := cfg.Thinning; t != nil {
		rules = append(rules, selection.Thinning{N: t.N, Method: t.Method})
	}
	if a := cfg.Area; a != nil {
		r, err := b.area(*a)
		if err != nil {
			return nil, fmt.Errorf("area: %w", err)
		}
		rules = append(rules, r)
	}
	if m := cfg.MaskFromDataset; m != nil {
		if m.Dataset == "" || m.FieldName == "" {
			return nil, fmt.Errorf("maskfromdataset: %w: dataset and field_name are required", selection.ErrInvalidParameter)
		}
		ds, err := b.resolve(m.Dataset)
		if err != nil {
			return nil, fmt.Errorf("maskfromdataset: %w", err)
		}
		rules = append(rules, selection.MaskFromDataset{
			Dataset:     ds,
			DatasetName: m.Dataset,
			Field:       m.FieldName,
			Predicate:   m.predicate(),
			Tolerance:   m.Tolerance,
		})
	}
	if t := cfg.TrimEdge; t != nil {
		rules = append(rules, selection.TrimEdge{Spec: t.Spec})
	}
	return rules, nil
}

func (b *Builder) area(a AreaConfig) (selection.Area, error) {
	if err := a.validate(); err != nil {
		return selection.Area{}, err
	}
	switch {
	case a.Box != nil:
		return selection.Area{Box: *a.Box}, nil
	case a.Cell != "":
		return selection.AreaFromCell(a.Cell)
	default:
		ds, err := b.resolve(a.Dataset)
		if err != nil {
			return selection.Area{}, err
		}
		return selection.AreaFromDataset(ds)
	}
}

func (b *Builder) resolve(name string) (dataset.Dataset, error) {
	if b.resolver == nil {
		return nil, fmt.Errorf("%w: %q (no resolver)", dataset.ErrNotFound, name)
	}
	return b.resolver.Dataset(name)
}

// Build evaluates cfg against ds and returns the selected view. name labels
// ds in logs, events and cache keys; an empty name disables the cache.
func (b *Builder) Build(ctx context.Context, name string, ds dataset.Dataset, cfg Config) (*view.View, error) {
	start := time.Now()
	ctx = mylog.WithDataset(mylog.WithComponent(ctx, "pipeline"), name)

	v, hit, err := b.build(ctx, name, ds, cfg)
	if err != nil {
		observability.IncBuildError(errorKind(err))
		b.log.WarnContext(ctx, "selection build failed", "fingerprint", cfg.Fingerprint(), "err", err)
		return nil, err
	}

	outcome := "ok"
	if hit {
		outcome = "cached"
	}
	observability.ObserveBuild(outcome, time.Since(start).Seconds(), ds.PointCount(), v.PointCount())

	fp := cfg.Fingerprint()
	b.log.InfoContext(ctx, "selection built",
		"fingerprint", fp,
		"original_points", ds.PointCount(),
		"retained_points", v.PointCount(),
		"cache_hit", hit,
		"duration", time.Since(start),
	)
	if v.PointCount() == 0 {
		b.log.WarnContext(ctx, "selection keeps no points", "fingerprint", fp)
	}
	b.events.Publish(ctx, selevents.BuildEvent{
		Dataset:        name,
		Key:            b.cacheKey(name, ds, cfg),
		Fingerprint:    fp,
		OriginalPoints: ds.PointCount(),
		RetainedPoints: v.PointCount(),
		CacheHit:       hit,
		TS:             time.Now().UTC(),
	})
	return v, nil
}

func (b *Builder) build(ctx context.Context, name string, ds dataset.Dataset, cfg Config) (*view.View, bool, error) {
	if ds == nil {
		return nil, false, fmt.Errorf("%w: dataset is required", selection.ErrInvalidParameter)
	}
	rules, err := b.Rules(cfg)
	if err != nil {
		return nil, false, err
	}
	topo, err := dataset.Topology(ds)
	if err != nil {
		return nil, false, err
	}

	cacheFP := ""
	if b.cache != nil && name != "" {
		cacheFP = b.cacheFingerprint(ds, cfg)
		if idx, ok := b.cache.Get(ctx, name, cacheFP); ok && fits(idx, topo.Size()) {
			return view.New(ds, idx, derivedShape(topo, idx)), true, nil
		}
	}

	masks := make([]selection.Mask, 0, len(rules))
	for _, r := range rules {
		m, err := r.Evaluate(topo)
		observability.IncRuleEvaluation(r.Name(), err)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", r.Name(), err)
		}
		b.log.DebugContext(ctx, "rule evaluated", "rule", r.String(), "kept", m.Count())
		masks = append(masks, m)
	}
	idx, err := selection.ComposeMasks(topo.Size(), masks...)
	if err != nil {
		return nil, false, err
	}

	if cacheFP != "" {
		b.cache.Put(ctx, name, cacheFP, idx)
	}
	return view.New(ds, idx, derivedShape(topo, idx)), false, nil
}

// cacheFingerprint extends the configuration fingerprint with the content
// versions of every dataset involved, so a changed file never hits an entry
// computed from its previous content.
func (b *Builder) cacheFingerprint(ds dataset.Dataset, cfg Config) string {
	var sb strings.Builder
	sb.WriteString(cfg.Fingerprint())
	sb.WriteString("@")
	sb.WriteString(dataset.VersionOf(ds))
	for _, ref := range cfg.references() {
		sb.WriteString(",")
		sb.WriteString(ref)
		sb.WriteString("=")
		if aux, err := b.resolve(ref); err == nil {
			sb.WriteString(dataset.VersionOf(aux))
		}
	}
	return sb.String()
}

func (b *Builder) cacheKey(name string, ds dataset.Dataset, cfg Config) string {
	if b.cache == nil || name == "" {
		return ""
	}
	return keys.Key(name, b.cacheFingerprint(ds, cfg))
}

func derivedShape(topo *grid.Topology, idx selection.IndexMap) *grid.Shape {
	if s, ok := selection.DerivedShape(topo, idx); ok {
		return &s
	}
	return nil
}

// a cached map must be strictly increasing and inside the grid
func fits(idx selection.IndexMap, size int) bool {
	prev := -1
	for _, i := range idx {
		if i <= prev || i >= size {
			return false
		}
		prev = i
	}
	return true
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, selection.ErrUnsupportedMethod):
		return "unsupported_method"
	case errors.Is(err, selection.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, selection.ErrGridMismatch):
		return "grid_mismatch"
	case errors.Is(err, selection.ErrFieldNotFound):
		return "field_not_found"
	case errors.Is(err, selection.ErrUnsupportedTopology):
		return "unsupported_topology"
	case errors.Is(err, grid.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, dataset.ErrNotFound):
		return "dataset_not_found"
	default:
		return "error"
	}
}

// IsClientError reports whether err comes from the caller's configuration
// rather than from the service.
func IsClientError(err error) bool {
	switch errorKind(err) {
	case "error", "shape_mismatch", "dataset_not_found":
		return false
	default:
		return true
	}
}
