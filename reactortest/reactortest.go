// Package reactortest provides loopback server helpers for exercising a
// live reactor in tests, the role th.NewUnstartedServer/NewServer play
// for the teacher's net/http-shaped handlers (th/utils.go).
package reactortest

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/arnebrasseur/ember/logging"
	"github.com/arnebrasseur/ember/protocol"
	"github.com/arnebrasseur/ember/reactor"
)

// Server wraps a running Reactor bound to an ephemeral port on all IPv4
// interfaces.
type Server struct {
	Reactor *reactor.Reactor
}

// NewServer opens a reactor dispatching through rt on a dynamic port (the
// listener binds every IPv4 interface) and runs it in a background
// goroutine. It registers t.Cleanup to stop the reactor.
func NewServer(t *testing.T, rt protocol.Router) *Server {
	t.Helper()
	engine := protocol.NewEngine(rt, logging.Discard())
	r, err := reactor.Open(reactor.Options{
		Service:         "dynamic",
		SlotCapacity:    16,
		CatalogCapacity: 32,
		Engine:          engine,
		Log:             logging.Discard(),
	})
	if err != nil {
		t.Fatalf("reactortest: Open: %v", err)
	}
	go func() { _ = r.Run() }()
	t.Cleanup(r.CloseAll)
	return &Server{Reactor: r}
}

// Addr returns the listener's address in host:port form: the IPv4
// wildcard address and the assigned port.
func (s *Server) Addr() string { return s.Reactor.Addr().String() }

// Exchange dials the server, writes request verbatim, and reads until the
// header block terminates (or the deadline elapses), returning whatever
// bytes arrived. Tests that need the body past the headers should keep
// reading on the returned connection instead; this matches the scope of
// the in-module reactor tests this package generalizes.
func Exchange(t *testing.T, addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("reactortest: dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("reactortest: write: %v", err)
	}
	reader := bufio.NewReader(conn)
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
		if strings.Contains(sb.String(), "\r\n\r\n") {
			break
		}
	}
	return sb.String()
}
