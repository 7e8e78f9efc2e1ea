package protocol

import (
	"strings"
	"testing"

	"github.com/arnebrasseur/ember/buffer"
)

type testRoute struct {
	id      int
	handler Handler
	async   AsyncHandler
	protect ProtectFunc
	exact   bool
	uri     string
}

type testRouter struct {
	routes  []testRoute
	global  ProtectFunc
}

func (r *testRouter) Find(uri string) (int, Handler, AsyncHandler, ProtectFunc, bool) {
	for _, rt := range r.routes {
		if rt.exact && rt.uri == uri {
			return rt.id, rt.handler, rt.async, rt.protect, true
		}
	}
	best := -1
	for i, rt := range r.routes {
		if rt.exact {
			continue
		}
		if uri == rt.uri || strings.HasPrefix(uri, rt.uri) {
			if best == -1 || len(rt.uri) > len(r.routes[best].uri) {
				best = i
			}
		}
	}
	if best != -1 {
		rt := r.routes[best]
		return rt.id, rt.handler, rt.async, rt.protect, true
	}
	return 0, nil, nil, nil, false
}

func (r *testRouter) GlobalProtect() (ProtectFunc, bool) {
	if r.global == nil {
		return nil, false
	}
	return r.global, true
}

func newTestConn() *Conn { return NewConn(32) }

func TestScenarioNotFound(t *testing.T) {
	router := &testRouter{}
	e := NewEngine(router, nil)
	c := newTestConn()
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /welcome HTTP/1.1\r\nHost: x\r\n\r\n"))

	_, closeConn, resp := e.Consume(c, rb)
	if closeConn {
		t.Fatal("expected connection to remain open on 404")
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 404 Not found\r\nContent-Length: 0\r\n\r\n") {
		t.Fatalf("resp = %q", resp)
	}
}

func TestScenarioExactRoute(t *testing.T) {
	router := &testRouter{routes: []testRoute{{
		id: 1, exact: true, uri: "/whoami",
		handler: func(c *Conn, method, uri string, body []byte) []byte {
			return []byte("<i>?</i>")
		},
	}}}
	e := NewEngine(router, nil)
	c := newTestConn()
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /whoami HTTP/1.1\r\n\r\n"))

	_, _, resp := e.Consume(c, rb)
	s := string(resp)
	if !strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("resp = %q", s)
	}
	if !strings.Contains(s, "Content-Length: 8") {
		t.Fatalf("resp missing Content-Length: 8: %q", s)
	}
	if !strings.HasSuffix(s, "<i>?</i>") {
		t.Fatalf("resp missing body: %q", s)
	}
}

func TestScenarioPrefixRouteEchoesQueryParam(t *testing.T) {
	var gotWhat string
	router := &testRouter{routes: []testRoute{{
		id: 1, exact: false, uri: "/echo",
		handler: func(c *Conn, method, uri string, body []byte) []byte {
			return []byte("unused")
		},
	}}}
	router.routes[0].handler = nil
	c := newTestConn()
	router.routes[0].handler = func(conn *Conn, method, uri string, body []byte) []byte {
		v, _ := c.Query.Get("what")
		gotWhat = v
		return []byte(v)
	}
	e := NewEngine(router, nil)
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /echo/deep?what=hi HTTP/1.1\r\n\r\n"))

	_, _, resp := e.Consume(c, rb)
	if gotWhat != "hi" {
		t.Fatalf("query param what = %q, want hi", gotWhat)
	}
	if !strings.Contains(string(resp), "hi") {
		t.Fatalf("resp missing echoed value: %q", resp)
	}
}

func TestScenarioProtectRejects(t *testing.T) {
	router := &testRouter{routes: []testRoute{{
		id: 1, exact: true, uri: "/forbidden",
		protect: func(c *Conn, method, uri string) { c.SetStatus(401, "Unauthorized") },
		handler: func(c *Conn, method, uri string, body []byte) []byte { return []byte("should not run") },
	}}}
	e := NewEngine(router, nil)
	c := newTestConn()
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /forbidden HTTP/1.1\r\n\r\n"))

	_, _, resp := e.Consume(c, rb)
	if string(resp) != "HTTP/1.1 401 Unauthorized\r\nContent-Length: 0\r\n\r\n" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestScenarioPathTraversalCloses(t *testing.T) {
	called := false
	router := &testRouter{routes: []testRoute{{
		id: 1, exact: false, uri: "/",
		handler: func(c *Conn, method, uri string, body []byte) []byte { called = true; return nil },
	}}}
	e := NewEngine(router, nil)
	c := newTestConn()
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /../etc/passwd HTTP/1.1\r\n\r\n"))

	_, closeConn, _ := e.Consume(c, rb)
	if !closeConn {
		t.Fatal("expected connection to close on path traversal")
	}
	if called {
		t.Fatal("handler must never be invoked for a path-traversal URI")
	}
}

func TestScenarioKeepAliveTwoRequestsOneRecv(t *testing.T) {
	router := &testRouter{routes: []testRoute{{
		id: 1, exact: true, uri: "/whoami",
		handler: func(c *Conn, method, uri string, body []byte) []byte { return []byte("ok") },
	}}}
	e := NewEngine(router, nil)
	c := newTestConn()
	rb := buffer.New(4096)
	_ = rb.Append([]byte("GET /whoami HTTP/1.1\r\nConnection: keep-alive\r\n\r\nGET /whoami HTTP/1.1\r\n\r\n"))

	n1, _, resp1 := e.Consume(c, rb)
	if n1 == 0 {
		t.Fatal("first request not consumed")
	}
	if !strings.Contains(string(resp1), "Connection: keep-alive") {
		t.Fatalf("first response missing keep-alive: %q", resp1)
	}

	n2, _, resp2 := e.Consume(c, rb)
	if n2 == 0 {
		t.Fatal("second request not consumed")
	}
	if !strings.HasPrefix(string(resp2), "HTTP/1.1 200 OK") {
		t.Fatalf("second response = %q", resp2)
	}
	if rb.Len() != 0 {
		t.Fatalf("buffer should be drained, len = %d", rb.Len())
	}
}
