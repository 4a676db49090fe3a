package dataset

import (
	"fmt"
	"sort"

	"github.com/mohammed-shakir/grid-select/internal/grid"
)

// Mem keeps coordinates and fields in memory. Fields are added during
// construction only; after that the value is read-only.
type Mem struct {
	lats    []float64
	lons    []float64
	shape   *grid.Shape
	fields  map[string][]float64
	version string
}

var (
	_ Dataset   = (*Mem)(nil)
	_ Shaped    = (*Mem)(nil)
	_ Versioned = (*Mem)(nil)
)

func NewMem(lats, lons []float64, shape *grid.Shape) (*Mem, error) {
	// validate through the topology rules
	if _, err := grid.New(lats, lons, shape); err != nil {
		return nil, err
	}
	return &Mem{
		lats:   lats,
		lons:   lons,
		shape:  shape,
		fields: map[string][]float64{},
	}, nil
}

func (m *Mem) AddField(name string, values []float64) error {
	if len(values) != len(m.lats) {
		return fmt.Errorf("%w: field %q has %d values for %d points", grid.ErrShapeMismatch, name, len(values), len(m.lats))
	}
	m.fields[name] = values
	return nil
}

func (m *Mem) PointCount() int { return len(m.lats) }

func (m *Mem) Coordinates(i int) (float64, float64, error) {
	if i < 0 || i >= len(m.lats) {
		return 0, 0, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	return m.lats[i], m.lons[i], nil
}

func (m *Mem) ReadField(name string, i int) (float64, error) {
	vals, ok := m.fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	if i < 0 || i >= len(vals) {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, i)
	}
	return vals[i], nil
}

func (m *Mem) FieldNames() []string {
	out := make([]string, 0, len(m.fields))
	for k := range m.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Mem) GridShape() (int, int, bool) {
	if m.shape == nil {
		return 0, 0, false
	}
	return m.shape.Dim0, m.shape.Dim1, true
}

func (m *Mem) Version() string { return m.version }

// SetVersion labels the content; loaders set it to a content hash.
func (m *Mem) SetVersion(v string) { m.version = v }
