package export

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/ipc"
	"github.com/apache/arrow/go/v10/arrow/memory"

	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/grid"
	"github.com/mohammed-shakir/grid-select/internal/selection"
	"github.com/mohammed-shakir/grid-select/internal/view"
)

func grid3x3(t *testing.T) *dataset.Mem {
	t.Helper()
	var lats, lons, t2m []float64
	for r := range 3 {
		for c := range 3 {
			lats = append(lats, float64(r))
			lons = append(lons, float64(c))
			t2m = append(t2m, float64(r*3+c))
		}
	}
	t2m[4] = math.NaN()
	ds, err := dataset.NewMem(lats, lons, &grid.Shape{Dim0: 3, Dim1: 3})
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	if err := ds.AddField("t2m", t2m); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	return ds
}

func shapeMeta(s *arrow.Schema) (string, bool) {
	md := s.Metadata()
	i := md.FindKey(dataset.GridShapeKey)
	if i < 0 {
		return "", false
	}
	return md.Values()[i], true
}

func TestRecord_ColumnsAndNulls(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	rec, err := Record(grid3x3(t), []string{"t2m"}, alloc)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 9 || rec.NumCols() != 4 {
		t.Fatalf("rows=%d cols=%d want 9,4", rec.NumRows(), rec.NumCols())
	}
	if got := rec.ColumnName(3); got != "t2m" {
		t.Fatalf("column 3=%q", got)
	}
	vals := rec.Column(3).(*array.Float64)
	if !vals.IsNull(4) {
		t.Fatalf("NaN must be exported as null")
	}
	if vals.Value(8) != 8 {
		t.Fatalf("t2m[8]=%v", vals.Value(8))
	}
	if v, ok := shapeMeta(rec.Schema()); !ok || v != "3,3" {
		t.Fatalf("grid shape metadata=%q,%v", v, ok)
	}
}

func TestRecordRange_Page(t *testing.T) {
	rec, err := RecordRange(grid3x3(t), nil, 7, 10, nil)
	if err != nil {
		t.Fatalf("RecordRange: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 2 {
		t.Fatalf("rows=%d want 2", rec.NumRows())
	}
	idx := rec.Column(0).(*array.Int64)
	if idx.Value(0) != 7 || idx.Value(1) != 8 {
		t.Fatalf("index column=%v", idx.Int64Values())
	}
	if _, ok := shapeMeta(rec.Schema()); ok {
		t.Fatalf("a partial page must not claim the grid shape")
	}

	empty, err := RecordRange(grid3x3(t), nil, 20, 5, nil)
	if err != nil {
		t.Fatalf("RecordRange past end: %v", err)
	}
	defer empty.Release()
	if empty.NumRows() != 0 {
		t.Fatalf("rows=%d want 0", empty.NumRows())
	}
}

func TestRecord_UnknownField(t *testing.T) {
	if _, err := Record(grid3x3(t), []string{"nope"}, nil); !errors.Is(err, dataset.ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

func TestWriteIPC_ViewRoundTrip(t *testing.T) {
	src := grid3x3(t)
	topo, err := dataset.Topology(src)
	if err != nil {
		t.Fatalf("Topology: %v", err)
	}
	idx, err := selection.Compose(topo, selection.Thinning{N: 2})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	shape, _ := selection.DerivedShape(topo, idx)
	v := view.New(src, idx, &shape)

	rec, err := Record(v, []string{"t2m"}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := WriteIPC(&buf, rec); err != nil {
		t.Fatalf("WriteIPC: %v", err)
	}

	r, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatalf("ipc.NewReader: %v", err)
	}
	defer r.Release()
	if !r.Next() {
		t.Fatalf("no record in stream: %v", r.Err())
	}
	got := r.Record()
	if got.NumRows() != 4 {
		t.Fatalf("rows=%d want 4", got.NumRows())
	}
	lons := got.Column(2).(*array.Float64)
	t2m := got.Column(3).(*array.Float64)
	// thinning by 2 keeps original points 0, 2, 6, 8
	want := []float64{0, 2, 6, 8}
	for i, w := range want {
		if t2m.Value(i) != w {
			t.Fatalf("t2m[%d]=%v want %v", i, t2m.Value(i), w)
		}
	}
	if lons.Value(1) != 2 {
		t.Fatalf("lon[1]=%v want 2", lons.Value(1))
	}
	if v, _ := shapeMeta(got.Schema()); v != "2,2" {
		t.Fatalf("grid shape=%q want 2,2", v)
	}
}

func TestWriteParquet_LoadsAsDataset(t *testing.T) {
	rec, err := Record(grid3x3(t), []string{"t2m"}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := WriteParquet(&buf, rec); err != nil {
		t.Fatalf("WriteParquet: %v", err)
	}
	data := buf.Bytes()
	ds, err := dataset.LoadParquet(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadParquet: %v", err)
	}
	if ds.PointCount() != 9 {
		t.Fatalf("PointCount=%d want 9", ds.PointCount())
	}
	lat, lon, _ := ds.Coordinates(5)
	if lat != 1 || lon != 2 {
		t.Fatalf("Coordinates(5)=%v,%v", lat, lon)
	}
	if v, _ := ds.ReadField("t2m", 4); !math.IsNaN(v) {
		t.Fatalf("null must load as NaN, got %v", v)
	}
	if v, _ := ds.ReadField("t2m", 7); v != 7 {
		t.Fatalf("t2m[7]=%v want 7", v)
	}
	if dataset.HasField(ds, IndexColumn) {
		t.Fatalf("index column must not load as a field: %v", ds.FieldNames())
	}
	if d0, d1, ok := ds.GridShape(); !ok || d0 != 3 || d1 != 3 {
		t.Fatalf("GridShape=%d,%d,%v want 3,3,true", d0, d1, ok)
	}
}

func TestWriteParquet_PageWithoutShape(t *testing.T) {
	rec, err := RecordRange(grid3x3(t), []string{"t2m"}, 2, 3, nil)
	if err != nil {
		t.Fatalf("RecordRange: %v", err)
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := WriteParquet(&buf, rec); err != nil {
		t.Fatalf("WriteParquet: %v", err)
	}
	data := buf.Bytes()
	ds, err := dataset.LoadParquet(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadParquet: %v", err)
	}
	if ds.PointCount() != 3 {
		t.Fatalf("PointCount=%d want 3", ds.PointCount())
	}
	if _, _, ok := ds.GridShape(); ok {
		t.Fatalf("a partial page must not carry a grid shape")
	}
	if v, _ := ds.ReadField("t2m", 0); v != 2 {
		t.Fatalf("t2m[0]=%v want 2", v)
	}
	if v, _ := ds.ReadField("t2m", 2); !math.IsNaN(v) {
		t.Fatalf("t2m[2]=%v want NaN", v)
	}
}
