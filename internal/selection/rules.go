package selection

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/grid-select/internal/core/model"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/grid"
	h3mapper "github.com/mohammed-shakir/grid-select/internal/mapper/h3"
)

const MethodEveryNth = "every-nth"

// Thinning keeps every N-th point. On structured grids the stride applies to
// both axes; on flat grids to the flat index.
type Thinning struct {
	N      int
	Method string
}

func (Thinning) rule()        {}
func (Thinning) Name() string { return "thinning" }

func (t Thinning) String() string {
	return fmt.Sprintf("thinning(n=%d,method=%s)", t.N, t.method())
}

func (t Thinning) method() string {
	if t.Method == "" {
		return MethodEveryNth
	}
	return t.Method
}

func (t Thinning) Evaluate(topo *grid.Topology) (Mask, error) {
	if t.method() != MethodEveryNth {
		return nil, fmt.Errorf("%w: thinning method %q", ErrUnsupportedMethod, t.Method)
	}
	if t.N <= 0 {
		return nil, fmt.Errorf("%w: thinning n must be positive (got %d)", ErrInvalidParameter, t.N)
	}

	n := topo.Size()
	if t.N == 1 {
		return full(n), nil
	}
	m := make(Mask, n)
	for i := range m {
		if topo.Structured() {
			r, c := topo.RowCol(i)
			m[i] = r%t.N == 0 && c%t.N == 0
		} else {
			m[i] = i%t.N == 0
		}
	}
	return m, nil
}

// Area keeps points inside a bounding box. Longitudes of the box and of
// every point are compared in the [0, 360) convention; the interval runs
// eastward from West to East and wraps when West > East.
type Area struct {
	Box model.BoundingBox
}

func (Area) rule()        {}
func (Area) Name() string { return "area" }

func (a Area) String() string {
	return fmt.Sprintf("area(%s)", a.Box)
}

// AreaFromDataset bounds the area by the min/max latitude and longitude of ds.
func AreaFromDataset(ds dataset.Dataset) (Area, error) {
	bb, err := dataset.Extent(ds)
	if err != nil {
		return Area{}, fmt.Errorf("%w: area reference: %w", ErrInvalidParameter, err)
	}
	return Area{Box: bb}, nil
}

// AreaFromCell bounds the area by the extent of an H3 cell.
func AreaFromCell(cell string) (Area, error) {
	bb, err := h3mapper.BoxForCell(cell)
	if err != nil {
		return Area{}, fmt.Errorf("%w: area cell: %w", ErrInvalidParameter, err)
	}
	return Area{Box: bb}, nil
}

func (a Area) Evaluate(topo *grid.Topology) (Mask, error) {
	if err := a.Box.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	inLon := a.lonTest()
	m := make(Mask, topo.Size())
	for i := range m {
		lat, lon := topo.Coord(i)
		m[i] = lat >= a.Box.South && lat <= a.Box.North && inLon(NormalizeLongitude(lon))
	}
	return m, nil
}

func (a Area) lonTest() func(lon float64) bool {
	if a.Box.East-a.Box.West >= 360 {
		return func(float64) bool { return true }
	}
	w := NormalizeLongitude(a.Box.West)
	e := NormalizeLongitude(a.Box.East)
	if w <= e {
		return func(lon float64) bool { return lon >= w && lon <= e }
	}
	return func(lon float64) bool { return lon >= w || lon <= e }
}

// Predicate decides from a field value whether a point is kept.
type Predicate struct {
	Op        string
	Threshold float64
}

// DefaultPredicate keeps points whose value is <= 0.
var DefaultPredicate = Predicate{Op: "le", Threshold: 0}

func (p Predicate) op() string {
	switch p.Op {
	case "", "le", "<=":
		return "le"
	case "lt", "<":
		return "lt"
	case "ge", ">=":
		return "ge"
	case "gt", ">":
		return "gt"
	default:
		return ""
	}
}

// Valid reports whether Op is one of le, lt, ge, gt (or <=, <, >=, >).
func (p Predicate) Valid() bool { return p.op() != "" }

func (p Predicate) String() string {
	return fmt.Sprintf("%s %g", p.op(), p.Threshold)
}

func (p Predicate) keep(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	switch p.op() {
	case "lt":
		return v < p.Threshold
	case "ge":
		return v >= p.Threshold
	case "gt":
		return v > p.Threshold
	default:
		return v <= p.Threshold
	}
}

// DefaultTolerance is the coordinate tolerance, in degrees, when checking
// that a mask dataset shares the grid being masked.
const DefaultTolerance = 1e-6

// MaskFromDataset keeps points where Predicate holds for Field of an
// external dataset defined on the same grid.
type MaskFromDataset struct {
	Dataset   dataset.Dataset
	Field     string
	Predicate Predicate
	Tolerance float64

	// DatasetName labels the rule in descriptions; optional.
	DatasetName string
}

func (MaskFromDataset) rule()        {}
func (MaskFromDataset) Name() string { return "maskfromdataset" }

func (r MaskFromDataset) String() string {
	return fmt.Sprintf("maskfromdataset(dataset=%s,field=%s,keep=%s)", r.DatasetName, r.Field, r.Predicate)
}

func (r MaskFromDataset) Evaluate(topo *grid.Topology) (Mask, error) {
	if r.Dataset == nil {
		return nil, fmt.Errorf("%w: mask dataset is required", ErrInvalidParameter)
	}
	if r.Predicate.op() == "" {
		return nil, fmt.Errorf("%w: predicate op %q", ErrInvalidParameter, r.Predicate.Op)
	}
	if !dataset.HasField(r.Dataset, r.Field) {
		return nil, fmt.Errorf("%w: %q is not a variable in the mask dataset", ErrFieldNotFound, r.Field)
	}
	if err := r.checkGrid(topo); err != nil {
		return nil, err
	}

	m := make(Mask, topo.Size())
	for i := range m {
		v, err := r.Dataset.ReadField(r.Field, i)
		if err != nil {
			return nil, fmt.Errorf("read %s[%d]: %w", r.Field, i, err)
		}
		m[i] = r.Predicate.keep(v)
	}
	return m, nil
}

func (r MaskFromDataset) checkGrid(topo *grid.Topology) error {
	if got, want := r.Dataset.PointCount(), topo.Size(); got != want {
		return fmt.Errorf("%w: mask dataset has %d points, grid has %d", ErrGridMismatch, got, want)
	}
	tol := r.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	for i := range topo.Size() {
		lat, lon, err := r.Dataset.Coordinates(i)
		if err != nil {
			return fmt.Errorf("mask dataset coordinates %d: %w", i, err)
		}
		glat, glon := topo.Coord(i)
		if math.Abs(lat-glat) > tol || lonDistance(lon, glon) > tol {
			return fmt.Errorf("%w: point %d at (%g,%g) vs (%g,%g)", ErrGridMismatch, i, lat, lon, glat, glon)
		}
	}
	return nil
}

func lonDistance(a, b float64) float64 {
	d := math.Abs(NormalizeLongitude(a) - NormalizeLongitude(b))
	return math.Min(d, 360-d)
}

// TrimEdge removes margins from both ends of both axes of a structured grid.
type TrimEdge struct {
	Spec model.TrimSpec
}

func TrimEdgeUniform(m int) TrimEdge {
	return TrimEdge{Spec: model.UniformTrim(m)}
}

func (TrimEdge) rule()        {}
func (TrimEdge) Name() string { return "trimedge" }

func (t TrimEdge) String() string {
	return fmt.Sprintf("trimedge(%s)", t.Spec)
}

func (t TrimEdge) Evaluate(topo *grid.Topology) (Mask, error) {
	dim0, dim1, ok := topo.Dims()
	if !ok {
		return nil, fmt.Errorf("%w: trimedge only works on structured grids", ErrUnsupportedTopology)
	}
	s := t.Spec
	if s.Lower0 < 0 || s.Upper0 < 0 || s.Lower1 < 0 || s.Upper1 < 0 {
		return nil, fmt.Errorf("%w: trim margins must be non-negative (got %s)", ErrInvalidParameter, s)
	}
	if s.Lower0+s.Upper0 >= dim0 {
		return nil, fmt.Errorf("%w: too much trimming of the first grid dimension (%d+%d >= %d)", ErrInvalidParameter, s.Lower0, s.Upper0, dim0)
	}
	if s.Lower1+s.Upper1 >= dim1 {
		return nil, fmt.Errorf("%w: too much trimming of the second grid dimension (%d+%d >= %d)", ErrInvalidParameter, s.Lower1, s.Upper1, dim1)
	}

	m := make(Mask, topo.Size())
	for i := range m {
		r, c := topo.RowCol(i)
		m[i] = r >= s.Lower0 && r < dim0-s.Upper0 && c >= s.Lower1 && c < dim1-s.Upper1
	}
	return m, nil
}
