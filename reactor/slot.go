package reactor

import (
	"net"
	"os"
	"time"

	"github.com/arnebrasseur/ember/buffer"
	"github.com/arnebrasseur/ember/protocol"
)

// Transport abstracts a slot's wire-level I/O behind one interface for the
// reactor's scheduling algorithm (spec.md §4.1). The plain implementation
// lives in this package and is the only one the reactor installs (on
// accept and in DialClient). Package tlsadapter implements the interface
// for TLS, but the reactor has no call that puts a TLS transport into a
// slot.
type Transport interface {
	// Receive is called once the reactor has determined (via select) that
	// the underlying fd is readable. It returns application bytes ready
	// for the protocol engine, or a non-nil error on a hard error or
	// close. The reactor closes the slot both on an error and on an empty
	// result.
	Receive() (data []byte, err error)
	// Flush writes as much of the outbound buffer (and any deferred
	// transfer) as the transport can currently accept. It returns true if
	// more remains to be written.
	Flush() (pending bool, err error)
	// Send appends data to the transport's own outbound buffer.
	Send(data []byte)
	// BeginTransfer hands the transport an open file to stream out after
	// the outbound buffer drains (spec.md §4.1 transfer()).
	BeginTransfer(f *os.File, length int64)
	// Interest reports which select bits the transport currently wants,
	// beyond the baseline read-gate/write-pending logic the reactor
	// already applies (used by the TLS adapter while handshaking).
	Interest() (wantRead, wantWrite bool)
	// Pending reports whether the transport has outbound bytes (buffered
	// response data or an in-progress file transfer) still waiting to be
	// written. buildFDSets uses this, not queued-chunk bookkeeping, to
	// decide the read-gate and write-interest for a slot (spec.md §4.1 step
	// 2: write-interested "if outbound bytes are pending").
	Pending() bool
	Close()
}

// slot is one row of the fixed connection table (spec.md §3 "Connection
// slot"). Index 0..capacity-1, a free slot has active == false.
//
// A slot mid-connect (DialClient's non-blocking TCP connect) is active but
// has no transport yet: connecting is true and rawFD is the raw, still-
// connecting socket. Once the connect resolves, the reactor's completeConnect
// wraps it in a plainTransport and clears connecting.
type slot struct {
	conn       net.Conn
	rawFD      int
	transport  Transport
	engineConn *protocol.Conn
	inBuf      *buffer.Buffer

	lastDrainedAt time.Time
	active        bool

	connecting  bool
	pendingSend []byte
}

func (s *slot) free() bool { return !s.active }

func (s *slot) reset() {
	s.conn = nil
	s.rawFD = -1
	s.transport = nil
	s.engineConn = nil
	s.inBuf = nil
	s.active = false
	s.connecting = false
	s.pendingSend = nil
}

// plainTransport is the default Transport for unencrypted connections: it
// owns the outbound buffer described in spec.md §3 (the slot holds the
// input buffer) and reads/writes
// directly through conn. Because the reactor only calls Receive/Flush
// after select has already reported the fd ready, these calls return
// promptly rather than blocking — select is the runtime's only suspension
// point (spec.md §5).
type plainTransport struct {
	conn net.Conn
	out  *buffer.Buffer

	xfer       *os.File
	xferRemain int64
}

func newPlainTransport(conn net.Conn, outCap int) *plainTransport {
	return &plainTransport{conn: conn, out: buffer.New(outCap)}
}

const maxDatagram = 1500 // one network MTU, per spec.md §4.1 step 6

func (t *plainTransport) Receive() ([]byte, error) {
	buf := make([]byte, 8192)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *plainTransport) Flush() (bool, error) {
	for t.out.Len() > 0 {
		n, err := t.conn.Write(t.out.Bytes())
		if err != nil {
			return false, err
		}
		t.out.Consume(n)
		if n == 0 {
			break
		}
	}
	if t.out.Len() > 0 {
		return true, nil
	}
	if t.xfer != nil && t.xferRemain > 0 {
		chunk := maxDatagram
		if int64(chunk) > t.xferRemain {
			chunk = int(t.xferRemain)
		}
		buf := make([]byte, chunk)
		n, rerr := t.xfer.Read(buf)
		if n > 0 {
			if _, werr := t.conn.Write(buf[:n]); werr != nil {
				return false, werr
			}
			t.xferRemain -= int64(n)
		}
		if rerr != nil || t.xferRemain <= 0 {
			_ = t.xfer.Close()
			t.xfer = nil
			t.xferRemain = 0
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

func (t *plainTransport) Send(data []byte) { _ = t.out.Append(data) }

func (t *plainTransport) BeginTransfer(f *os.File, length int64) {
	t.xfer = f
	t.xferRemain = length
}

func (t *plainTransport) Interest() (bool, bool) { return false, false }

func (t *plainTransport) Pending() bool {
	return t.out.Len() > 0 || (t.xfer != nil && t.xferRemain > 0)
}

func (t *plainTransport) Close() {
	if t.xfer != nil {
		_ = t.xfer.Close()
		t.xfer = nil
	}
	_ = t.conn.Close()
}
