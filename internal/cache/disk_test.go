package cache

import (
	"testing"
)

func TestDiskBackendRoundTrip(t *testing.T) {
	root := t.TempDir()
	b, err := NewDiskBackend(root)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	if err := b.Set("p/1.0/draw/a/h", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok, err := b.Get("p/1.0/draw/a/h")
	if err != nil || !ok || string(raw) != `{"x":1}` {
		t.Fatalf("get: %q ok=%v err=%v", raw, ok, err)
	}
	if ok, _ := b.Exists("p/1.0/draw/a/h"); !ok {
		t.Fatalf("exists")
	}
	if ok, _ := b.Exists("p/1.0/draw/b/h"); ok {
		t.Fatalf("phantom key")
	}
}

func TestDiskBackendSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	b1, _ := NewDiskBackend(root)
	_ = b1.Set("p/1.0/draw/a/h", []byte("one"))
	_ = b1.Set("p/1.0/draw/b/h", []byte("two"))

	b2, err := NewDiskBackend(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	raw, ok, err := b2.Get("p/1.0/draw/b/h")
	if err != nil || !ok || string(raw) != "two" {
		t.Fatalf("get after reopen: %q ok=%v err=%v", raw, ok, err)
	}
	keys, err := b2.Keys()
	if err != nil || len(keys) != 2 {
		t.Fatalf("keys after reopen: %v %v", keys, err)
	}
}

func TestDiskBackendDeletePrefix(t *testing.T) {
	b, _ := NewDiskBackend(t.TempDir())
	_ = b.Set("p/1.0/draw/a/h", []byte("1"))
	_ = b.Set("p/1.0/draw/b/h", []byte("2"))
	_ = b.Set("p/1.0/describe/a/h", []byte("3"))

	if err := b.DeletePrefix("p/1.0/draw/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if ok, _ := b.Exists("p/1.0/draw/a/h"); ok {
		t.Fatalf("prefixed key should be gone")
	}
	if ok, _ := b.Exists("p/1.0/describe/a/h"); !ok {
		t.Fatalf("other key should survive")
	}
}

func TestDiskBackendDelete(t *testing.T) {
	b, _ := NewDiskBackend(t.TempDir())
	_ = b.Set("k", []byte("v"))
	if err := b.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := b.Get("k"); ok {
		t.Fatalf("deleted key readable")
	}
	if err := b.Delete("missing"); err != nil {
		t.Fatalf("deleting a missing key should be a no-op: %v", err)
	}
}
