// Package selection turns independently specified selection rules into
// boolean masks over a grid's flat point index and folds them into an
// IndexMap from the reduced grid back to the original one.
package selection

import (
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/grid"
)

var (
	ErrUnsupportedMethod   = errors.New("unsupported method")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrGridMismatch        = errors.New("grid mismatch")
	ErrUnsupportedTopology = errors.New("unsupported topology")

	// same sentinel as the dataset collaborator so either package can match it
	ErrFieldNotFound = dataset.ErrFieldNotFound
)

// Mask marks retained points with true. Length equals the topology size.
type Mask []bool

func (m Mask) Count() int {
	n := 0
	for _, keep := range m {
		if keep {
			n++
		}
	}
	return n
}

func full(n int) Mask {
	m := make(Mask, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// IndexMap gives, for each compact position, the original flat index.
// Strictly increasing.
type IndexMap []int

func Identity(n int) IndexMap {
	idx := make(IndexMap, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Rule is one of Thinning, Area, MaskFromDataset or TrimEdge. The set is
// closed: the unexported method keeps other packages from adding variants.
type Rule interface {
	// Name is the configuration key of the rule.
	Name() string
	// Evaluate returns a mask over every point of topo.
	Evaluate(topo *grid.Topology) (Mask, error)
	// String describes the rule parameters; stable across runs.
	String() string

	rule()
}

// Compose evaluates every rule against the full, original topology and
// ANDs the resulting masks. Rules never see a topology compacted by another
// rule, so the result does not depend on rule order.
func Compose(topo *grid.Topology, rules ...Rule) (IndexMap, error) {
	masks := make([]Mask, 0, len(rules))
	for _, r := range rules {
		m, err := r.Evaluate(topo)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name(), err)
		}
		masks = append(masks, m)
	}
	return ComposeMasks(topo.Size(), masks...)
}

// ComposeMasks ANDs full-length masks and collects the retained indices in
// ascending order.
func ComposeMasks(size int, masks ...Mask) (IndexMap, error) {
	combined := full(size)
	for i, m := range masks {
		if len(m) != size {
			return nil, fmt.Errorf("%w: mask %d has length %d, grid has %d points", grid.ErrShapeMismatch, i, len(m), size)
		}
		for j, keep := range m {
			if !keep {
				combined[j] = false
			}
		}
	}

	idx := make(IndexMap, 0, combined.Count())
	for i, keep := range combined {
		if keep {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

// DerivedShape reports whether idx selects a full row x column sub-grid of a
// structured topology, and if so its dimensions. Any combination of Thinning
// and TrimEdge produces such a sub-grid.
func DerivedShape(topo *grid.Topology, idx IndexMap) (grid.Shape, bool) {
	dim0, dim1, ok := topo.Dims()
	if !ok || len(idx) == 0 {
		return grid.Shape{}, false
	}
	rows := make([]bool, dim0)
	cols := make([]bool, dim1)
	nr, nc := 0, 0
	for _, i := range idx {
		r, c := topo.RowCol(i)
		if !rows[r] {
			rows[r] = true
			nr++
		}
		if !cols[c] {
			cols[c] = true
			nc++
		}
	}
	// every index lies in rows x cols and indices are distinct, so equal
	// counts mean the product is complete
	if nr*nc != len(idx) {
		return grid.Shape{}, false
	}
	return grid.Shape{Dim0: nr, Dim1: nc}, true
}

// NormalizeLongitude maps lon into [0, 360).
func NormalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	if lon >= 360 {
		lon = 0
	}
	return lon
}
