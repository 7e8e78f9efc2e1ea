package router

import (
	"testing"

	"github.com/arnebrasseur/ember/protocol"
)

func noopHandler(c *protocol.Conn, method, uri string, body []byte) []byte { return nil }

func TestExactBeatsPrefix(t *testing.T) {
	r := New(16)
	_, _ = r.RoutePrefix("/a", noopHandler)
	exactID, _ := r.RouteExact("/a/b", noopHandler)

	id, _, _, _, ok := r.Find("/a/b")
	if !ok || id != exactID {
		t.Fatalf("Find(/a/b) = %d, %v, want exact route %d", id, ok, exactID)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	r := New(16)
	shortID, _ := r.RoutePrefix("/a", noopHandler)
	longID, _ := r.RoutePrefix("/a/b", noopHandler)

	id, _, _, _, ok := r.Find("/a/b/c")
	if !ok || id != longID {
		t.Fatalf("Find(/a/b/c) = %d, want longest prefix route %d (short was %d)", id, longID, shortID)
	}
}

func TestRootPrefixFallback(t *testing.T) {
	r := New(16)
	rootID, _ := r.RoutePrefix("/", noopHandler)
	id, _, _, _, ok := r.Find("/anything/here")
	if !ok || id != rootID {
		t.Fatalf("Find fallback to / = %d, %v, want %d", id, ok, rootID)
	}
}

func TestNoMatchReturnsNotOK(t *testing.T) {
	r := New(16)
	_, _, _, _, ok := r.Find("/nope")
	if ok {
		t.Fatal("expected no match")
	}
}

func TestAddRemoveLeavesTableIndistinguishable(t *testing.T) {
	r := New(4)
	id, err := r.RouteExact("/x", noopHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RouteRemove("/x"); err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, ok := r.Find("/x"); ok {
		t.Fatal("expected /x to be gone after remove")
	}
	// A fresh add should be able to reuse the freed slot id.
	id2, err := r.RouteExact("/y", noopHandler)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Fatalf("expected slot reuse: id = %d, id2 = %d", id, id2)
	}
}

func TestTableFull(t *testing.T) {
	r := New(1)
	if _, err := r.RouteExact("/a", noopHandler); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RouteExact("/b", noopHandler); err != ErrTableFull {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
}

func TestGlobalProtect(t *testing.T) {
	r := New(4)
	called := false
	err := r.ProtectRoute(0, func(c *protocol.Conn, method, uri string) { called = true })
	if err != nil {
		t.Fatal(err)
	}
	cb, ok := r.GlobalProtect()
	if !ok {
		t.Fatal("expected global protect installed")
	}
	cb(nil, "GET", "/")
	if !called {
		t.Fatal("global protect callback was not invoked")
	}
}
