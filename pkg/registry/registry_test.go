package registry

import (
	"fmt"
	"sync"
	"testing"
)

type testItem struct {
	ID string
}

func TestBaseRegistry_RegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	if err := r.Register("a", testItem{ID: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	item, ok := r.Get("a")
	if !ok {
		t.Fatal("expected item to be registered")
	}
	if item.ID != "a" {
		t.Errorf("Get() = %v, want a", item.ID)
	}
}

func TestBaseRegistry_RegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	if err := r.Register("a", testItem{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("a", testItem{}); err == nil {
		t.Error("expected error on duplicate registration")
	}
}

func TestBaseRegistry_RegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	if err := r.Register("", testItem{}); err == nil {
		t.Error("expected error on empty name")
	}
}

func TestBaseRegistry_Names(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(name, testItem{ID: name}); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	names := r.Names()
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBaseRegistry_ReplaceWhere(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	_ = r.Register("fs__read", testItem{ID: "old"})
	_ = r.Register("fs__write", testItem{ID: "old"})
	_ = r.Register("shell__run", testItem{ID: "keep"})

	r.ReplaceWhere(
		func(name string, _ testItem) bool { return name == "fs__read" || name == "fs__write" },
		map[string]testItem{"fs__read": {ID: "new"}},
	)

	if _, ok := r.Get("fs__write"); ok {
		t.Error("expected fs__write to be dropped")
	}
	item, ok := r.Get("fs__read")
	if !ok || item.ID != "new" {
		t.Errorf("expected fs__read replaced, got %v ok=%v", item, ok)
	}
	if _, ok := r.Get("shell__run"); !ok {
		t.Error("expected unrelated entry to survive")
	}
}

func TestBaseRegistry_ConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("item-%d", n), n)
			r.List()
			r.Count()
		}(i)
	}
	wg.Wait()

	if r.Count() != 50 {
		t.Errorf("Count() = %d, want 50", r.Count())
	}
}
