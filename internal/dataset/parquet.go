package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/parquet-go"

	"github.com/mohammed-shakir/grid-select/internal/grid"
)

const (
	LatitudeColumn  = "latitude"
	LongitudeColumn = "longitude"
	// position column written by exports; never loaded as a field
	IndexColumn = "index"

	// key/value metadata entry declaring a structured grid, "dim0,dim1"
	GridShapeKey = "grid_shape"
)

// OpenParquet loads a parquet file from disk into memory.
func OpenParquet(path string) (*Mem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	ds, err := LoadParquet(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return ds, nil
}

// LoadParquet reads latitude/longitude plus every other numeric leaf column
// as a field.
func LoadParquet(r io.ReaderAt, size int64) (*Mem, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("parquet open: %w", err)
	}

	lats, err := readColumn(pf, LatitudeColumn)
	if err != nil {
		return nil, err
	}
	lons, err := readColumn(pf, LongitudeColumn)
	if err != nil {
		return nil, err
	}

	var shape *grid.Shape
	if v, ok := pf.Lookup(GridShapeKey); ok {
		s, err := ParseShape(v)
		if err != nil {
			return nil, fmt.Errorf("%s metadata: %w", GridShapeKey, err)
		}
		shape = &s
	}

	ds, err := NewMem(lats, lons, shape)
	if err != nil {
		return nil, err
	}
	version, err := contentHash(r, size)
	if err != nil {
		return nil, err
	}
	ds.SetVersion(version)

	for _, field := range pf.Schema().Fields() {
		name := field.Name()
		if name == LatitudeColumn || name == LongitudeColumn || name == IndexColumn || !field.Leaf() || !numeric(field.Type().Kind()) {
			continue
		}
		vals, err := readColumn(pf, name)
		if err != nil {
			return nil, err
		}
		if err := ds.AddField(name, vals); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// ParseShape parses "dim0,dim1".
func ParseShape(s string) (grid.Shape, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return grid.Shape{}, fmt.Errorf("expected dim0,dim1 (got %q)", s)
	}
	d0, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return grid.Shape{}, fmt.Errorf("dim0: %w", err)
	}
	d1, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return grid.Shape{}, fmt.Errorf("dim1: %w", err)
	}
	return grid.Shape{Dim0: d0, Dim1: d1}, nil
}

func numeric(k parquet.Kind) bool {
	switch k {
	case parquet.Int32, parquet.Int64, parquet.Float, parquet.Double:
		return true
	default:
		return false
	}
}

func readColumn(pf *parquet.File, name string) ([]float64, error) {
	col, ok := pf.Schema().Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: column %q", ErrFieldNotFound, name)
	}

	out := make([]float64, 0, pf.NumRows())
	for _, rg := range pf.RowGroups() {
		chunk := rg.ColumnChunks()[col.ColumnIndex]
		vals, err := readChunk(chunk, out)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		out = vals
	}
	return out, nil
}

func readChunk(chunk parquet.ColumnChunk, out []float64) ([]float64, error) {
	pages := chunk.Pages()
	defer func() { _ = pages.Close() }()

	for {
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read page: %w", err)
		}

		buf := make([]parquet.Value, page.NumValues())
		n, err := page.Values().ReadValues(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			parquet.Release(page)
			return nil, fmt.Errorf("read values: %w", err)
		}
		for _, v := range buf[:n] {
			out = append(out, toFloat(v))
		}
		parquet.Release(page)
	}
}

func toFloat(v parquet.Value) float64 {
	if v.IsNull() {
		return math.NaN()
	}
	switch v.Kind() {
	case parquet.Double:
		return v.Double()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Int32:
		return float64(v.Int32())
	case parquet.Int64:
		return float64(v.Int64())
	default:
		return math.NaN()
	}
}

func contentHash(r io.ReaderAt, size int64) (string, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, size)); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
