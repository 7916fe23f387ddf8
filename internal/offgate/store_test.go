package offgate

import (
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

func testDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustOpenDB(t *testing.T, dir string) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	return db
}

func testSnapshot(body string) ResponseSnapshot {
	return ResponseSnapshot{
		Status:   200,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func TestCacheStoreRoundTrip(t *testing.T) {
	s, err := openCacheStore(testDB(t), 1<<20, 1<<24)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("static-v1", "/logo.png"); ok {
		t.Fatal("unexpected hit on empty store")
	}

	snap := testSnapshot("png-bytes")
	if err := s.Put("static-v1", "/logo.png", snap); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := s.Get("static-v1", "/logo.png")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Body) != "png-bytes" || got.Status != 200 {
		t.Fatalf("got %+v", got)
	}
	if got.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header lost: %v", got.Header)
	}
}

func TestCacheStoreOverwrite(t *testing.T) {
	s, err := openCacheStore(testDB(t), 1<<20, 1<<24)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put("data-v1", "/api/menu", testSnapshot("old")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("data-v1", "/api/menu", testSnapshot("new")); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("data-v1", "/api/menu")
	if !ok || string(got.Body) != "new" {
		t.Fatalf("got %q, want refreshed snapshot", got.Body)
	}
	if n := s.EntryCount("data-v1"); n != 1 {
		t.Fatalf("entry count = %d, want 1 after overwrite", n)
	}
}

func TestCacheStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := openCacheStore(db, 1<<20, 1<<24)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("static-v1", "/app.js", testSnapshot("bundle")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	s2, err := openCacheStore(db2, 1<<20, 1<<24)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Get("static-v1", "/app.js")
	if !ok || string(got.Body) != "bundle" {
		t.Fatalf("snapshot lost across reopen: ok=%v body=%q", ok, got.Body)
	}
	if keys := s2.Keys("static-v1"); !reflect.DeepEqual(keys, []string{"/app.js"}) {
		t.Fatalf("keys = %v", keys)
	}
}

func TestDropPartition(t *testing.T) {
	s, err := openCacheStore(testDB(t), 1<<20, 1<<24)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put("static-v0", "/a.js", testSnapshot("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("static-v0", "/b.js", testSnapshot("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("static-v1", "/a.js", testSnapshot("a2")); err != nil {
		t.Fatal(err)
	}

	if err := s.DropPartition("static-v0"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := s.Get("static-v0", "/a.js"); ok {
		t.Fatal("dropped partition still serves entries")
	}
	if got, ok := s.Get("static-v1", "/a.js"); !ok || string(got.Body) != "a2" {
		t.Fatal("sibling partition affected by drop")
	}
	if parts := s.Partitions(); !reflect.DeepEqual(parts, []string{"static-v1"}) {
		t.Fatalf("partitions = %v", parts)
	}
}

func TestRAMCacheEviction(t *testing.T) {
	c := newRAMCache(3 * 1024)
	big := testSnapshot(string(make([]byte, 700))) // ~1.2kb each with overhead

	c.Put("a", big)
	c.Put("b", big)
	c.Get("a") // a is now most recent
	c.Put("c", big)

	if _, ok := c.Get("b"); ok {
		t.Error("expected LRU entry b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry a evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("new entry c missing")
	}
}

func TestRAMCacheDeletePrefix(t *testing.T) {
	c := newRAMCache(1 << 20)
	c.Put("static-v0\x00/a", testSnapshot("a"))
	c.Put("static-v0\x00/b", testSnapshot("b"))
	c.Put("static-v1\x00/a", testSnapshot("a2"))

	c.DeletePrefix("static-v0\x00")

	if _, ok := c.Get("static-v0\x00/a"); ok {
		t.Error("prefix delete missed an entry")
	}
	if _, ok := c.Get("static-v1\x00/a"); !ok {
		t.Error("prefix delete removed a sibling partition entry")
	}
}
