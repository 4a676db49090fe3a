// Package h3mapper converts between H3 cells and lat/lon geometry.
package h3mapper

import (
	"fmt"
	"math"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/grid-select/internal/core/model"
)

// BoxForCell returns the lat/lon extent of the cell boundary. Cells that
// straddle the antimeridian yield a wrapping box (West > East).
func BoxForCell(cell string) (model.BoundingBox, error) {
	c, err := parseCell(cell)
	if err != nil {
		return model.BoundingBox{}, err
	}
	boundary, err := c.Boundary()
	if err != nil {
		return model.BoundingBox{}, fmt.Errorf("h3 boundary: %w", err)
	}
	if len(boundary) == 0 {
		return model.BoundingBox{}, fmt.Errorf("h3 cell %q has empty boundary", cell)
	}

	bb := model.BoundingBox{
		North: math.Inf(-1), South: math.Inf(1),
		East: math.Inf(-1), West: math.Inf(1),
	}
	// smallest positive and largest negative longitude, for the wrapping case
	posMin, negMax := math.Inf(1), math.Inf(-1)
	for _, ll := range boundary {
		bb.North = math.Max(bb.North, ll.Lat)
		bb.South = math.Min(bb.South, ll.Lat)
		bb.East = math.Max(bb.East, ll.Lng)
		bb.West = math.Min(bb.West, ll.Lng)
		if ll.Lng >= 0 {
			posMin = math.Min(posMin, ll.Lng)
		} else {
			negMax = math.Max(negMax, ll.Lng)
		}
	}

	// a single cell never spans more than half the globe in longitude
	if bb.East-bb.West > 180 && !math.IsInf(posMin, 0) && !math.IsInf(negMax, 0) {
		bb.West, bb.East = posMin, negMax
	}
	return bb, nil
}

// CellForPoint returns the H3 cell containing (lat, lon) at resolution res.
func CellForPoint(lat, lon float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell for (%g,%g): %w", lat, lon, err)
	}
	return c.String(), nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func parseCell(cell string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return 0, fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", cell)
	}
	return c, nil
}
