package indexcache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/grid-select/internal/cache/keys"
	"github.com/mohammed-shakir/grid-select/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-select/internal/selection"
)

func TestCodec_ThinnedGrid(t *testing.T) {
	var idx selection.IndexMap
	for r := 0; r < 100; r += 4 {
		for c := 0; c < 50; c += 4 {
			idx = append(idx, r*50+c)
		}
	}
	b := Encode(idx)
	// gaps are 4 or 204: one or two bytes each
	if len(b) > 2*len(idx)+8 {
		t.Fatalf("encoding too large: %d bytes for %d entries", len(b), len(idx))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, idx) {
		t.Fatalf("decoded map differs")
	}

	empty, err := Decode(Encode(selection.IndexMap{}))
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty round trip: %v %v", empty, err)
	}
}

func TestCodec_RejectsCorrupt(t *testing.T) {
	good := Encode(selection.IndexMap{3, 7, 8})
	for name, b := range map[string][]byte{
		"empty":          nil,
		"version":        append([]byte{9}, good[1:]...),
		"truncated":      good[:len(good)-1],
		"trailing":       append(append([]byte{}, good...), 1),
		"not-increasing": {codecVersion, 2, 5, 0},
		"huge-length":    {codecVersion, 0xff, 0xff, 0x03, 1},
	} {
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
}

func TestCache_LRUOnly(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, ok := c.Get(ctx, "era5", "a"); ok {
		t.Fatalf("empty cache hit")
	}
	c.Put(ctx, "era5", "a", selection.IndexMap{1, 2})
	c.Put(ctx, "era5", "b", selection.IndexMap{3})
	c.Put(ctx, "lsm", "a", selection.IndexMap{4})
	if _, ok := c.Get(ctx, "era5", "a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if idx, ok := c.Get(ctx, "lsm", "a"); !ok || !reflect.DeepEqual(idx, selection.IndexMap{4}) {
		t.Fatalf("lsm/a=%v,%v", idx, ok)
	}
}

func newStore(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestCache_SharedStoreAcrossInstances(t *testing.T) {
	rc, mr := newStore(t)
	ctx := context.Background()

	a, _ := New(8, WithStore(rc), WithTTL(time.Minute))
	b, _ := New(8, WithStore(rc))

	want := selection.IndexMap{0, 5, 10, 15}
	a.Put(ctx, "era5", "thinning(n=5,method=every-nth)", want)

	key := keys.Key("era5", "thinning(n=5,method=every-nth)")
	if !mr.Exists(key) {
		t.Fatalf("entry %s not written to redis", key)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("ttl=%v want 1m", ttl)
	}

	got, ok := b.Get(ctx, "era5", "thinning(n=5,method=every-nth)")
	if !ok || !reflect.DeepEqual(got, want) {
		t.Fatalf("second instance Get=%v,%v", got, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("redis hit should populate the LRU")
	}
}

func TestCache_CorruptEntryIsDropped(t *testing.T) {
	rc, mr := newStore(t)
	c, _ := New(8, WithStore(rc))
	key := keys.Key("era5", "x")
	if err := mr.Set(key, "garbage"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := c.Get(context.Background(), "era5", "x"); ok {
		t.Fatalf("corrupt entry served")
	}
	if mr.Exists(key) {
		t.Fatalf("corrupt entry should be deleted")
	}
}

func TestCache_InvalidateDataset(t *testing.T) {
	rc, mr := newStore(t)
	ctx := context.Background()
	c, _ := New(8, WithStore(rc))

	c.Put(ctx, "era5", "a", selection.IndexMap{1})
	c.Put(ctx, "era5", "b", selection.IndexMap{2})
	c.Put(ctx, "lsm", "a", selection.IndexMap{3})

	n, err := c.InvalidateDataset(ctx, "era5")
	if err != nil {
		t.Fatalf("InvalidateDataset: %v", err)
	}
	if n != 4 {
		t.Fatalf("removed %d want 4 (2 lru + 2 redis)", n)
	}
	if _, ok := c.Get(ctx, "era5", "a"); ok {
		t.Fatalf("era5/a survived invalidation")
	}
	if _, ok := c.Get(ctx, "lsm", "a"); !ok {
		t.Fatalf("lsm/a should survive")
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("redis keys=%v", mr.Keys())
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (failingStore) Del(context.Context, ...string) error { return errors.New("down") }
func (failingStore) DelPrefix(context.Context, string) (int, error) {
	return 0, errors.New("down")
}

func TestCache_StoreFailureDegradesToLRU(t *testing.T) {
	c, _ := New(8, WithStore(failingStore{}))
	ctx := context.Background()
	if _, ok := c.Get(ctx, "era5", "a"); ok {
		t.Fatalf("unexpected hit")
	}
	c.Put(ctx, "era5", "a", selection.IndexMap{7})
	if idx, ok := c.Get(ctx, "era5", "a"); !ok || idx[0] != 7 {
		t.Fatalf("LRU should still serve: %v %v", idx, ok)
	}
	if _, err := c.InvalidateDataset(ctx, "era5"); err == nil {
		t.Fatalf("store error should surface from InvalidateDataset")
	}
	if c.Len() != 0 {
		t.Fatalf("LRU entries should be dropped even when the store fails")
	}
}
