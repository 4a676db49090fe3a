// Package dataset defines the read-only field accessor the selection engine
// works against, plus in-memory and parquet-backed implementations.
package dataset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mohammed-shakir/grid-select/internal/core/model"
	"github.com/mohammed-shakir/grid-select/internal/grid"
)

var (
	ErrFieldNotFound = errors.New("field not found")
	ErrOutOfRange    = errors.New("point index out of range")
	ErrNotFound      = errors.New("dataset not found")
)

// Dataset is keyed by flat point index. Implementations must allow
// concurrent reads.
type Dataset interface {
	PointCount() int
	Coordinates(i int) (lat, lon float64, err error)
	ReadField(name string, i int) (float64, error)
	FieldNames() []string
}

// Shaped is implemented by datasets laid out on a structured grid.
type Shaped interface {
	GridShape() (dim0, dim1 int, ok bool)
}

// Versioned is implemented by datasets that can identify their content.
// Two datasets with the same non-empty version hold the same points and values.
type Versioned interface {
	Version() string
}

func VersionOf(ds Dataset) string {
	if v, ok := ds.(Versioned); ok {
		return v.Version()
	}
	return ""
}

// Topology reads every coordinate of ds into a grid topology.
func Topology(ds Dataset) (*grid.Topology, error) {
	n := ds.PointCount()
	lats := make([]float64, n)
	lons := make([]float64, n)
	for i := range n {
		lat, lon, err := ds.Coordinates(i)
		if err != nil {
			return nil, fmt.Errorf("coordinates of point %d: %w", i, err)
		}
		lats[i], lons[i] = lat, lon
	}
	var shape *grid.Shape
	if s, ok := ds.(Shaped); ok {
		if d0, d1, ok := s.GridShape(); ok {
			shape = &grid.Shape{Dim0: d0, Dim1: d1}
		}
	}
	return grid.New(lats, lons, shape)
}

// Extent is the min/max latitude and longitude of ds.
func Extent(ds Dataset) (model.BoundingBox, error) {
	topo, err := Topology(ds)
	if err != nil {
		return model.BoundingBox{}, err
	}
	if topo.Size() == 0 {
		return model.BoundingBox{}, fmt.Errorf("extent of empty dataset")
	}
	return topo.Extent(), nil
}

func HasField(ds Dataset, name string) bool {
	return slices.Contains(ds.FieldNames(), name)
}
