package invalidation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/grid-select/internal/cache/indexcache"
	"github.com/mohammed-shakir/grid-select/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/export"
	"github.com/mohammed-shakir/grid-select/internal/grid"
	"github.com/mohammed-shakir/grid-select/internal/invalidation"
	"github.com/mohammed-shakir/grid-select/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/grid-select/internal/pipeline"
	"github.com/mohammed-shakir/grid-select/internal/selevents"
)

type capture struct{ events []selevents.BuildEvent }

func (c *capture) Publish(_ context.Context, ev selevents.BuildEvent) {
	c.events = append(c.events, ev)
}
func (c *capture) Close() error { return nil }

func (c *capture) last(t *testing.T) selevents.BuildEvent {
	t.Helper()
	if len(c.events) == 0 {
		t.Fatal("no build event published")
	}
	return c.events[len(c.events)-1]
}

// writeMask writes a 3x3 land-sea mask; land marks points with value -1.
func writeMask(t *testing.T, path string, land ...int) {
	t.Helper()
	var lats, lons, lsm []float64
	for r := range 3 {
		for c := range 3 {
			lats = append(lats, float64(r))
			lons = append(lons, float64(c))
			lsm = append(lsm, 1)
		}
	}
	for _, i := range land {
		lsm[i] = -1
	}
	ds, err := dataset.NewMem(lats, lons, &grid.Shape{Dim0: 3, Dim1: 3})
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	if err := ds.AddField("lsm", lsm); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	rec, err := export.Record(ds, []string{"lsm"}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer rec.Release()
	var buf bytes.Buffer
	if err := export.WriteParquet(&buf, rec); err != nil {
		t.Fatalf("WriteParquet: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "dataset-invalidation", Value: b}
}

func TestInvalidation_UpdateDropsCacheAndReloads(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	cache, err := indexcache.New(16, indexcache.WithStore(rc), indexcache.WithTTL(time.Minute), indexcache.WithLogger(log))
	if err != nil {
		t.Fatalf("indexcache.New: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "lsm.parquet")
	writeMask(t, path, 0, 4, 8)
	reg := dataset.NewRegistry()
	if err := reg.LoadDir(ctx, dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	events := &capture{}
	b := pipeline.NewBuilder(log, reg, pipeline.WithIndexCache(cache), pipeline.WithPublisher(events))
	cfg := pipeline.Config{MaskFromDataset: &pipeline.MaskConfig{Dataset: "lsm", FieldName: "lsm"}}

	build := func() (int, bool) {
		t.Helper()
		ds, err := reg.Get("lsm")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		v, err := b.Build(ctx, "lsm", ds, cfg)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return v.PointCount(), events.last(t).CacheHit
	}

	if n, hit := build(); n != 3 || hit {
		t.Fatalf("first build n=%d hit=%v want 3,false", n, hit)
	}
	if n, hit := build(); n != 3 || !hit {
		t.Fatalf("second build n=%d hit=%v want 3,true", n, hit)
	}
	if keys := mr.Keys(); len(keys) != 1 || !strings.HasPrefix(keys[0], "idx:lsm:") {
		t.Fatalf("redis keys=%v", keys)
	}

	writeMask(t, path, 0, 1, 2, 4, 8)
	cons := kafkaconsumer.New(kafkaconsumer.Config{DedupeSize: 8}, log, nil, cache, reg)
	ev := invalidation.Event{Version: 1, Op: invalidation.OpUpdate, Dataset: "lsm", TS: time.Now().UTC()}
	if err := cons.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("redis keys after invalidation=%v", keys)
	}
	if cache.Len() != 0 {
		t.Fatalf("lru still holds %d entries", cache.Len())
	}
	if n, hit := build(); n != 5 || hit {
		t.Fatalf("build after update n=%d hit=%v want 5,false", n, hit)
	}
}

func TestInvalidation_DeleteRemovesDataset(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	writeMask(t, filepath.Join(dir, "lsm.parquet"), 0)
	reg := dataset.NewRegistry()
	if err := reg.LoadDir(ctx, dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	cons := kafkaconsumer.New(kafkaconsumer.Config{DedupeSize: 8}, log, nil, nil, reg)
	ev := invalidation.Event{Version: 1, Op: invalidation.OpDelete, Dataset: "lsm", TS: time.Now().UTC()}
	if err := cons.ProcessOne(ctx, message(t, ev)); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if _, err := reg.Get("lsm"); err == nil {
		t.Fatal("dataset still registered after delete")
	}
}
