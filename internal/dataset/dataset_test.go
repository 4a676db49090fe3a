package dataset

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/segmentio/parquet-go"

	"github.com/mohammed-shakir/grid-select/internal/grid"
)

type pointRow struct {
	Latitude  float64 `parquet:"latitude"`
	Longitude float64 `parquet:"longitude"`
	LSM       float64 `parquet:"lsm"`
	Level     int32   `parquet:"level"`
	Label     string  `parquet:"label"`
}

func writeParquet(t *testing.T, rows []pointRow, opts ...parquet.WriterOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[pointRow](&buf, opts...)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("parquet write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("parquet close: %v", err)
	}
	return buf.Bytes()
}

func sampleRows() []pointRow {
	return []pointRow{
		{Latitude: 0, Longitude: 10, LSM: -1, Level: 1, Label: "a"},
		{Latitude: 0, Longitude: 11, LSM: 1, Level: 2, Label: "b"},
		{Latitude: 1, Longitude: 10, LSM: 0.5, Level: 3, Label: "c"},
		{Latitude: 1, Longitude: 11, LSM: -0.5, Level: 4, Label: "d"},
	}
}

func TestMem_ReadsAndErrors(t *testing.T) {
	ds, err := NewMem([]float64{1, 2}, []float64{3, 4}, nil)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	if err := ds.AddField("t2m", []float64{280, 281}); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	if err := ds.AddField("bad", []float64{1}); !errors.Is(err, grid.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}

	v, err := ds.ReadField("t2m", 1)
	if err != nil || v != 281 {
		t.Fatalf("ReadField=%v,%v want 281", v, err)
	}
	if _, err := ds.ReadField("nope", 0); !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
	if _, _, err := ds.Coordinates(2); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, _, ok := ds.GridShape(); ok {
		t.Fatalf("flat dataset must not report a grid shape")
	}
}

func TestLoadParquet_StructuredWithFields(t *testing.T) {
	data := writeParquet(t, sampleRows(), parquet.KeyValueMetadata(GridShapeKey, "2,2"))

	ds, err := LoadParquet(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadParquet: %v", err)
	}
	if ds.PointCount() != 4 {
		t.Fatalf("PointCount=%d want 4", ds.PointCount())
	}
	if d0, d1, ok := ds.GridShape(); !ok || d0 != 2 || d1 != 2 {
		t.Fatalf("GridShape=%d,%d,%v want 2,2,true", d0, d1, ok)
	}
	if got, want := ds.FieldNames(), []string{"level", "lsm"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("FieldNames=%v want %v", got, want)
	}
	lat, lon, _ := ds.Coordinates(3)
	if lat != 1 || lon != 11 {
		t.Fatalf("Coordinates(3)=%v,%v", lat, lon)
	}
	if v, _ := ds.ReadField("level", 2); v != 3 {
		t.Fatalf("level[2]=%v want 3", v)
	}

	topo, err := Topology(ds)
	if err != nil {
		t.Fatalf("Topology: %v", err)
	}
	if !topo.Structured() {
		t.Fatalf("expected structured topology")
	}
}

func TestLoadParquet_BadShapeMetadata(t *testing.T) {
	data := writeParquet(t, sampleRows(), parquet.KeyValueMetadata(GridShapeKey, "3,3"))
	if _, err := LoadParquet(bytes.NewReader(data), int64(len(data))); !errors.Is(err, grid.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestRegistry_LoadDirAndReload(t *testing.T) {
	dir := t.TempDir()
	data := writeParquet(t, sampleRows())
	if err := os.WriteFile(filepath.Join(dir, "era5.parquet"), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lsm.parquet"), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRegistry()
	if r.Ready() {
		t.Fatalf("empty registry must not be ready")
	}
	if err := r.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"era5", "lsm"}) {
		t.Fatalf("Names=%v", got)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "lsm.parquet")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.Reload(context.Background(), "lsm"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := r.Get("lsm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reload of deleted file should drop dataset, got %v", err)
	}
	if err := r.Reload(context.Background(), "era5"); err != nil {
		t.Fatalf("Reload era5: %v", err)
	}
}

func TestRegistry_EmptyDirIsNotReady(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadDir(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if r.Ready() {
		t.Fatalf("registry with no datasets must not be ready")
	}

	ds, err := NewMem([]float64{0}, []float64{0}, nil)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	r.Add("one", ds)
	if !r.Ready() {
		t.Fatalf("registry with a dataset must be ready")
	}
	r.Remove("one")
	if r.Ready() {
		t.Fatalf("registry must stop being ready once emptied")
	}
}

func TestExtent(t *testing.T) {
	ds, err := NewMem([]float64{-5, 5}, []float64{-20, 40}, nil)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	bb, err := Extent(ds)
	if err != nil {
		t.Fatalf("Extent: %v", err)
	}
	if bb.North != 5 || bb.South != -5 || bb.West != -20 || bb.East != 40 {
		t.Fatalf("unexpected extent %+v", bb)
	}
}

func TestLoadParquet_VersionTracksContent(t *testing.T) {
	a := writeParquet(t, sampleRows())
	rows := sampleRows()
	rows[0].LSM = 7
	b := writeParquet(t, rows)

	dsA, err := LoadParquet(bytes.NewReader(a), int64(len(a)))
	if err != nil {
		t.Fatalf("LoadParquet: %v", err)
	}
	dsA2, _ := LoadParquet(bytes.NewReader(a), int64(len(a)))
	dsB, _ := LoadParquet(bytes.NewReader(b), int64(len(b)))

	if VersionOf(dsA) == "" || VersionOf(dsA) != VersionOf(dsA2) {
		t.Fatalf("same content must give the same version: %q %q", VersionOf(dsA), VersionOf(dsA2))
	}
	if VersionOf(dsA) == VersionOf(dsB) {
		t.Fatalf("different content gave the same version %q", VersionOf(dsA))
	}
}
