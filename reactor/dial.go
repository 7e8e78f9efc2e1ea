package reactor

import (
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arnebrasseur/ember/buffer"
	"github.com/arnebrasseur/ember/protocol"
)

// DialClient starts a non-blocking outbound TCP connect, attaches it to a
// free slot in client role, and arranges for cb to fire once when the
// response completes (spec.md §4.2's client response path). It is the
// reactor-level primitive the client package's redirect/context helpers are
// built on.
//
// The connect itself never blocks the reactor goroutine (spec.md §5:
// "Suspension points: only inside run at the select call"): the socket is
// created non-blocking and Connect is issued once; if it doesn't complete
// synchronously the slot is marked connecting and the reactor's select
// loop detects completion via writability, the same way tlsadapter.Attach's
// handshake state machine defers work to later ready() calls instead of
// blocking. addr's host must already be a literal IP (matching the rest of
// the client stack, which never performs DNS resolution from inside the
// reactor); a hostname would route through the blocking system resolver
// and reintroduce the very suspension this avoids.
func (r *Reactor) DialClient(addr string, requestBytes []byte, cb protocol.ClientResponseFunc, origin interface{}) (int, error) {
	i := r.findFreeSlot()
	if i < 0 {
		return -1, ErrSlotTableFull
	}

	fd, connected, err := startNonblockingConnect(addr)
	if err != nil {
		return -1, err
	}

	s := &r.slots[i]
	s.rawFD = fd
	s.engineConn = protocol.NewConn(r.catalogCapacity)
	s.engineConn.Role = protocol.RoleClient
	s.engineConn.ClientResponse = cb
	s.engineConn.ClientResponseOrigin = origin
	s.inBuf = buffer.New(defaultInBufferSize)
	s.lastDrainedAt = time.Now()
	s.active = true
	s.connecting = true
	s.pendingSend = requestBytes

	if connected {
		r.completeConnect(i)
	}
	return i, nil
}

// startNonblockingConnect creates a non-blocking TCP socket and issues
// Connect once. connected is true only in the rare case the kernel
// completes the connect synchronously (seen on some loopback paths); the
// common case returns connected=false with the connect left in progress,
// EINPROGRESS swallowed as expected rather than treated as an error.
func startNonblockingConnect(addr string) (fd int, connected bool, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, false, err
	}

	var family int
	var sa unix.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		family = unix.AF_INET
		var a [4]byte
		copy(a[:], ip4)
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: a}
	} else {
		family = unix.AF_INET6
		var a [16]byte
		copy(a[:], tcpAddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: a}
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, false, err
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	_ = unix.Close(fd)
	return -1, false, err
}

// completeConnect is called once select reports a connecting slot's fd
// writable, the kernel's signal that the non-blocking connect has resolved
// one way or the other (spec.md §5's only suspension point remains select;
// this just reacts to what it already reported). It checks SO_ERROR to
// learn success or failure, and on success wraps the raw fd in a net.Conn
// so the rest of the reactor can treat the slot exactly like any other
// plain connection from here on.
func (r *Reactor) completeConnect(i int) {
	s := &r.slots[i]

	errno, gerr := unix.GetsockoptInt(s.rawFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil || errno != 0 {
		r.CloseSlot(i, "connect_failed")
		return
	}

	f := os.NewFile(uintptr(s.rawFD), "ember-client")
	conn, cerr := net.FileConn(f)
	_ = f.Close() // FileConn dup()s; the original fd is no longer needed once it returns.
	if cerr != nil {
		s.rawFD = -1 // already closed by f.Close()
		r.CloseSlot(i, "connect_failed")
		return
	}

	newFD, ferr := connRawFD(conn)
	if ferr != nil {
		_ = conn.Close()
		s.rawFD = -1
		r.CloseSlot(i, "connect_failed")
		return
	}

	s.rawFD = newFD
	s.conn = conn
	s.transport = newPlainTransport(conn, defaultOutBufferSize)
	s.connecting = false
	if len(s.pendingSend) > 0 {
		s.transport.Send(s.pendingSend)
		s.pendingSend = nil
	}
}
