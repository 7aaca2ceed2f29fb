package client

import (
	"errors"
	"path/filepath"
	"testing"

	"collabsync/protocol"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)
	doc := protocol.Document{"tool": raw(`"move"`), "camera": raw(`{"x":1}`)}
	if err := c.Put("r1", doc, 7); err != nil {
		t.Fatal(err)
	}
	got, version, err := c.Get("r1")
	if err != nil {
		t.Fatal(err)
	}
	if version != 7 {
		t.Fatalf("version %d, want 7", version)
	}
	docEq(t, got, doc)
}

func TestCachePutReplaces(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put("r1", protocol.Document{"tool": raw(`"move"`)}, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("r1", protocol.Document{"tool": raw(`"scale"`)}, 2); err != nil {
		t.Fatal(err)
	}
	got, version, err := c.Get("r1")
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Fatalf("version %d, want 2", version)
	}
	docEq(t, got, protocol.Document{"tool": raw(`"scale"`)})
}

func TestCacheMissingRoom(t *testing.T) {
	c := openTestCache(t)
	if _, _, err := c.Get("never-joined"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("got %v, want ErrNoSnapshot", err)
	}
}

func TestSessionSeedsFromCache(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put("r1", protocol.Document{"tool": raw(`"move"`)}, 4); err != nil {
		t.Fatal(err)
	}
	s := New(Options{URL: "ws://unused/ws", Room: "r1", Cache: c})
	snap := s.Snapshot()
	if snap.Version != 4 {
		t.Fatalf("version %d, want the cached 4", snap.Version)
	}
	docEq(t, snap.Doc, protocol.Document{"tool": raw(`"move"`)})
	if snap.Join != NotJoined || snap.Transport != TransportDisconnected {
		t.Fatalf("cache seeding must not fake connectivity: %+v", snap)
	}
}
