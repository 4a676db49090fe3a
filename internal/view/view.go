// Package view exposes a selected subset of a dataset as a dataset of its
// own. Nothing is copied: every read is redirected through the index map.
package view

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/grid"
	"github.com/mohammed-shakir/grid-select/internal/selection"
)

var ErrOutOfBounds = errors.New("index out of bounds")

// View is a lazily reduced dataset. It satisfies dataset.Dataset and
// dataset.Shaped, so views can be selected from again.
type View struct {
	src   dataset.Dataset
	idx   selection.IndexMap
	shape *grid.Shape
}

var (
	_ dataset.Dataset = (*View)(nil)
	_ dataset.Shaped  = (*View)(nil)
)

// New wraps src. shape is the derived structured shape of the selection,
// nil when the reduced grid is flat.
func New(src dataset.Dataset, idx selection.IndexMap, shape *grid.Shape) *View {
	if shape != nil && shape.Dim0*shape.Dim1 != len(idx) {
		shape = nil
	}
	return &View{src: src, idx: idx, shape: shape}
}

func (v *View) PointCount() int { return len(v.idx) }

func (v *View) original(i int) (int, error) {
	if i < 0 || i >= len(v.idx) {
		return 0, fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfBounds, i, len(v.idx))
	}
	return v.idx[i], nil
}

func (v *View) Coordinates(i int) (lat, lon float64, err error) {
	j, err := v.original(i)
	if err != nil {
		return 0, 0, err
	}
	return v.src.Coordinates(j)
}

func (v *View) ReadField(name string, i int) (float64, error) {
	j, err := v.original(i)
	if err != nil {
		return 0, err
	}
	return v.src.ReadField(name, j)
}

func (v *View) FieldNames() []string { return v.src.FieldNames() }

func (v *View) GridShape() (dim0, dim1 int, ok bool) {
	if v.shape == nil {
		return 0, 0, false
	}
	return v.shape.Dim0, v.shape.Dim1, true
}

// OriginalIndex maps a compact position back to the source dataset.
func (v *View) OriginalIndex(i int) (int, error) { return v.original(i) }

// IndexMap returns a copy of the index map.
func (v *View) IndexMap() selection.IndexMap {
	out := make(selection.IndexMap, len(v.idx))
	copy(out, v.idx)
	return out
}

func (v *View) Source() dataset.Dataset { return v.src }
