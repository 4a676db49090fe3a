// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BoundingBox is a lat/lon box in degrees. West may be greater than East,
// in which case the box crosses the antimeridian.
type BoundingBox struct {
	North float64 `json:"north" yaml:"north"`
	West  float64 `json:"west" yaml:"west"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
}

// String representation in north,west,south,east order. Bounds are printed
// exactly; the string keys cached selections.
func (b BoundingBox) String() string {
	parts := make([]string, 0, 4)
	for _, v := range []float64{b.North, b.West, b.South, b.East} {
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.North, b.West, b.South, b.East} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bounding box %s has non-finite bound", b)
		}
	}
	if b.South > b.North {
		return fmt.Errorf("bounding box must satisfy south<=north (got south=%g north=%g)", b.South, b.North)
	}
	return nil
}

// TrimSpec holds the margins removed from each end of both structured axes.
type TrimSpec struct {
	Lower0 int `json:"lower0" yaml:"lower0"`
	Upper0 int `json:"upper0" yaml:"upper0"`
	Lower1 int `json:"lower1" yaml:"lower1"`
	Upper1 int `json:"upper1" yaml:"upper1"`
}

func UniformTrim(m int) TrimSpec {
	return TrimSpec{Lower0: m, Upper0: m, Lower1: m, Upper1: m}
}

func (t TrimSpec) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", t.Lower0, t.Upper0, t.Lower1, t.Upper1)
}
