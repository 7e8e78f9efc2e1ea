package reactortest

import (
	"strings"
	"testing"

	"github.com/arnebrasseur/ember/protocol"
	"github.com/arnebrasseur/ember/router"
)

func TestServerExchange(t *testing.T) {
	rt := router.New(4)
	if _, err := rt.RouteExact("/ping", func(c *protocol.Conn, method, uri string, body []byte) []byte {
		return []byte("pong")
	}); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(t, rt)
	got := Exchange(t, srv.Addr(), "GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")
	if !strings.HasPrefix(got, "HTTP/1.1 200") || !strings.Contains(got, "pong") {
		t.Fatalf("got %q", got)
	}
}
