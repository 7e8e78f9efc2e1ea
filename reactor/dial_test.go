package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/arnebrasseur/ember/catalog"
	"github.com/arnebrasseur/ember/router"
)

// TestDialClientConnectsAndDeliversResponse exercises the real non-blocking
// connect path end to end: a bare TCP listener stands in for a remote
// server, and DialClient must reach it, send the request, and fire cb with
// the parsed response, all without the reactor goroutine ever blocking on
// the connect itself.
func TestDialClientConnectsAndDeliversResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	r := startTestReactor(t, router.New(8))

	done := make(chan struct{})
	var gotStatus int
	var gotBody []byte
	_, err = r.DialClient(ln.Addr().String(), []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"),
		func(origin interface{}, status int, headers *catalog.Catalog, body []byte) {
			gotStatus = status
			gotBody = append([]byte(nil), body...)
			close(done)
		}, nil)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client response callback")
	}
	if gotStatus != 200 || string(gotBody) != "ok" {
		t.Fatalf("got status=%d body=%q", gotStatus, gotBody)
	}
}

// TestDialClientReportsConnectFailure proves a refused connect (nothing
// listening on the target port) still resolves through the select loop and
// fires cb with the transport-error status, rather than hanging the slot
// forever waiting on a connect that will never complete.
func TestDialClientReportsConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now; the connect should be refused

	r := startTestReactor(t, router.New(8))

	done := make(chan struct{})
	var gotStatus int
	_, err = r.DialClient(addr, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"),
		func(origin interface{}, status int, headers *catalog.Catalog, body []byte) {
			gotStatus = status
			close(done)
		}, nil)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect-failure callback")
	}
	if gotStatus != 505 {
		t.Fatalf("gotStatus = %d, want 505 for a failed connect", gotStatus)
	}
}
