// Package export converts datasets, typically selected views, into Arrow
// records.
package export

import (
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/ipc"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/segmentio/parquet-go"

	"github.com/mohammed-shakir/grid-select/internal/dataset"
)

const (
	IndexColumn     = dataset.IndexColumn
	LatitudeColumn  = dataset.LatitudeColumn
	LongitudeColumn = dataset.LongitudeColumn
)

// Record exports every point of ds. See RecordRange.
func Record(ds dataset.Dataset, fields []string, alloc memory.Allocator) (arrow.Record, error) {
	return RecordRange(ds, fields, 0, ds.PointCount(), alloc)
}

// RecordRange exports points [offset, offset+limit) of ds as columns index
// (the position in ds), latitude, longitude and one nullable float64 column
// per field; NaN becomes null. The caller releases the record.
func RecordRange(ds dataset.Dataset, fields []string, offset, limit int, alloc memory.Allocator) (arrow.Record, error) {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	for _, f := range fields {
		if !dataset.HasField(ds, f) {
			return nil, fmt.Errorf("%w: %q", dataset.ErrFieldNotFound, f)
		}
	}
	offset = min(max(offset, 0), ds.PointCount())
	end := min(offset+max(limit, 0), ds.PointCount())

	schemaFields := make([]arrow.Field, 0, len(fields)+3)
	schemaFields = append(schemaFields,
		arrow.Field{Name: IndexColumn, Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: LatitudeColumn, Type: arrow.PrimitiveTypes.Float64},
		arrow.Field{Name: LongitudeColumn, Type: arrow.PrimitiveTypes.Float64},
	)
	bi := array.NewInt64Builder(alloc)
	defer bi.Release()
	blat := array.NewFloat64Builder(alloc)
	defer blat.Release()
	blon := array.NewFloat64Builder(alloc)
	defer blon.Release()

	builders := make([]*array.Float64Builder, 0, len(fields))
	for _, f := range fields {
		schemaFields = append(schemaFields, arrow.Field{Name: f, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
		b := array.NewFloat64Builder(alloc)
		defer b.Release()
		builders = append(builders, b)
	}

	n := end - offset
	bi.Reserve(n)
	blat.Reserve(n)
	blon.Reserve(n)
	for i := offset; i < end; i++ {
		lat, lon, err := ds.Coordinates(i)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		bi.Append(int64(i))
		blat.Append(lat)
		blon.Append(lon)
		for j, f := range fields {
			v, err := ds.ReadField(f, i)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", f, i, err)
			}
			if math.IsNaN(v) {
				builders[j].AppendNull()
			} else {
				builders[j].Append(v)
			}
		}
	}

	arrays := make([]arrow.Array, 0, len(schemaFields))
	arrays = append(arrays, bi.NewArray(), blat.NewArray(), blon.NewArray())
	for _, b := range builders {
		arrays = append(arrays, b.NewArray())
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	var md arrow.Metadata
	if s, ok := ds.(dataset.Shaped); ok && offset == 0 && end == ds.PointCount() {
		if d0, d1, ok := s.GridShape(); ok {
			md = arrow.NewMetadata([]string{dataset.GridShapeKey}, []string{fmt.Sprintf("%d,%d", d0, d1)})
		}
	}
	schema := arrow.NewSchema(schemaFields, &md)
	return array.NewRecord(schema, arrays, int64(n)), nil
}

// WriteIPC streams rec in the Arrow IPC stream format.
func WriteIPC(w io.Writer, rec arrow.Record) error {
	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("arrow ipc write: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("arrow ipc close: %w", err)
	}
	return nil
}

// WriteParquet writes rec as one parquet row group that loads back with
// dataset.LoadParquet. Nullable float64 columns become optional doubles and
// the grid shape metadata is carried over as a key/value entry.
func WriteParquet(w io.Writer, rec arrow.Record) error {
	sch := rec.Schema()
	group := parquet.Group{}
	for _, f := range sch.Fields() {
		switch {
		case f.Type.ID() == arrow.INT64:
			group[f.Name] = parquet.Leaf(parquet.Int64Type)
		case f.Type.ID() != arrow.FLOAT64:
			return fmt.Errorf("parquet: column %q has unsupported type %s", f.Name, f.Type)
		case f.Nullable:
			group[f.Name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		default:
			group[f.Name] = parquet.Leaf(parquet.DoubleType)
		}
	}
	schema := parquet.NewSchema("grid", group)

	cols := make([]int, len(sch.Fields()))
	for i, f := range sch.Fields() {
		leaf, ok := schema.Lookup(f.Name)
		if !ok {
			return fmt.Errorf("parquet: column %q missing from schema", f.Name)
		}
		cols[i] = leaf.ColumnIndex
	}

	opts := []parquet.WriterOption{schema}
	md := sch.Metadata()
	if i := md.FindKey(dataset.GridShapeKey); i >= 0 {
		opts = append(opts, parquet.KeyValueMetadata(dataset.GridShapeKey, md.Values()[i]))
	}
	pw := parquet.NewWriter(w, opts...)

	rows := make([]parquet.Row, rec.NumRows())
	for r := range rows {
		rows[r] = make(parquet.Row, len(cols))
	}
	for i, f := range sch.Fields() {
		col := cols[i]
		switch a := rec.Column(i).(type) {
		case *array.Int64:
			for r := range rows {
				rows[r][col] = parquet.Int64Value(a.Value(r)).Level(0, 0, col)
			}
		case *array.Float64:
			for r := range rows {
				switch {
				case !f.Nullable:
					rows[r][col] = parquet.DoubleValue(a.Value(r)).Level(0, 0, col)
				case a.IsNull(r):
					rows[r][col] = parquet.NullValue().Level(0, 0, col)
				default:
					rows[r][col] = parquet.DoubleValue(a.Value(r)).Level(0, 1, col)
				}
			}
		default:
			return fmt.Errorf("parquet: column %q has unsupported array %T", f.Name, a)
		}
	}

	if _, err := pw.WriteRows(rows); err != nil {
		_ = pw.Close()
		return fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}
	return nil
}
