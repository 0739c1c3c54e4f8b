package remote

import (
	"sync"
	"testing"
)

func TestHandleSignalCoalesces(t *testing.T) {
	handle, signal := NewHandle()

	signal()
	signal()
	signal()

	select {
	case <-handle:
	default:
		t.Fatal("expected the handle to be ready")
	}
	select {
	case <-handle:
		t.Fatal("repeated signals must coalesce into one readiness")
	default:
	}
}

func TestReadySet(t *testing.T) {
	a, _ := NewHandle()
	b, _ := NewHandle()

	set := make(ReadySet)
	set.Add(a)

	if !set.Has(a) {
		t.Fatal("expected a in the set")
	}
	if set.Has(b) {
		t.Fatal("b was never added")
	}
}

func TestPropertiesBasics(t *testing.T) {
	props := NewProperties()

	props.Set("k", "v")
	if props.Get("k") != "v" {
		t.Fatalf("unexpected value %v", props.Get("k"))
	}
	if !props.Has("k") || props.Has("missing") {
		t.Fatal("unexpected Has results")
	}

	props.Delete("k")
	if props.Has("k") {
		t.Fatal("expected k deleted")
	}
}

func TestPropertiesAppendBytes(t *testing.T) {
	props := NewProperties()

	props.AppendBytes("out", []byte("hel"))
	props.AppendBytes("out", []byte("lo"))

	data, ok := props.Get("out").([]byte)
	if !ok || string(data) != "hello" {
		t.Fatalf("unexpected accumulation %v", props.Get("out"))
	}
}

func TestPropertiesSnapshotIsDetached(t *testing.T) {
	props := NewProperties()
	props.Set("k", 1)

	snapshot := props.Snapshot()
	snapshot["k"] = 2

	if props.Get("k") != 1 {
		t.Fatal("mutating a snapshot must not affect the bag")
	}
}

func TestPropertiesConcurrentAccess(t *testing.T) {
	props := NewProperties()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				props.Set("k", j)
				props.Get("k")
				props.AppendBytes("buf", []byte{byte(j)})
			}
		}()
	}
	wg.Wait()

	data, _ := props.Get("buf").([]byte)
	if len(data) != 800 {
		t.Fatalf("expected 800 appended bytes, got %d", len(data))
	}
}

func TestNilPropertiesAreTolerated(t *testing.T) {
	var props *Properties
	props.Set("k", "v")
	if props.Get("k") != nil {
		t.Fatal("nil bag must read as empty")
	}
	if props.Has("k") {
		t.Fatal("nil bag has nothing")
	}
	props.Delete("k")
	props.AppendBytes("k", []byte("x"))
	if props.Snapshot() != nil {
		t.Fatal("nil bag snapshot must be nil")
	}
}
