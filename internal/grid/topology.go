// Package grid describes the point layout of a gridded dataset.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/grid-select/internal/core/model"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Shape declares a structured (dim0 x dim1) layout. A nil *Shape means flat.
type Shape struct {
	Dim0 int
	Dim1 int
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Dim0, s.Dim1)
}

// Topology is the immutable point set a selection is evaluated against.
type Topology struct {
	size       int
	structured bool
	dim0, dim1 int
	lats, lons []float64
}

func New(lats, lons []float64, shape *Shape) (*Topology, error) {
	if len(lats) != len(lons) {
		return nil, fmt.Errorf("%w: %d latitudes vs %d longitudes", ErrShapeMismatch, len(lats), len(lons))
	}
	t := &Topology{
		size: len(lats),
		lats: append([]float64(nil), lats...),
		lons: append([]float64(nil), lons...),
	}
	if shape != nil {
		if shape.Dim0 <= 0 || shape.Dim1 <= 0 {
			return nil, fmt.Errorf("%w: non-positive dimensions %s", ErrShapeMismatch, shape)
		}
		if shape.Dim0*shape.Dim1 != t.size {
			return nil, fmt.Errorf("%w: shape %s does not cover %d points", ErrShapeMismatch, shape, t.size)
		}
		t.structured = true
		t.dim0, t.dim1 = shape.Dim0, shape.Dim1
	}
	return t, nil
}

func NewFlat(lats, lons []float64) (*Topology, error) {
	return New(lats, lons, nil)
}

func NewStructured(dim0, dim1 int, lats, lons []float64) (*Topology, error) {
	return New(lats, lons, &Shape{Dim0: dim0, Dim1: dim1})
}

func (t *Topology) Size() int { return t.size }

func (t *Topology) Structured() bool { return t.structured }

// Dims returns the structured dimensions; ok is false for flat grids.
func (t *Topology) Dims() (dim0, dim1 int, ok bool) {
	return t.dim0, t.dim1, t.structured
}

func (t *Topology) Shape() *Shape {
	if !t.structured {
		return nil
	}
	return &Shape{Dim0: t.dim0, Dim1: t.dim1}
}

func (t *Topology) Coord(i int) (lat, lon float64) {
	return t.lats[i], t.lons[i]
}

func (t *Topology) Latitude(i int) float64  { return t.lats[i] }
func (t *Topology) Longitude(i int) float64 { return t.lons[i] }

// RowCol maps a flat index to row-major (row, col). Only valid on structured grids.
func (t *Topology) RowCol(i int) (row, col int) {
	return i / t.dim1, i % t.dim1
}

func (t *Topology) Index(row, col int) int {
	return row*t.dim1 + col
}

// Extent is the min/max latitude and longitude over all points.
func (t *Topology) Extent() model.BoundingBox {
	return ExtentOf(t.lats, t.lons)
}

func ExtentOf(lats, lons []float64) model.BoundingBox {
	if len(lats) == 0 {
		return model.BoundingBox{}
	}
	bb := model.BoundingBox{
		North: math.Inf(-1), South: math.Inf(1),
		East: math.Inf(-1), West: math.Inf(1),
	}
	for i := range lats {
		bb.North = math.Max(bb.North, lats[i])
		bb.South = math.Min(bb.South, lats[i])
		bb.East = math.Max(bb.East, lons[i])
		bb.West = math.Min(bb.West, lons[i])
	}
	return bb
}
