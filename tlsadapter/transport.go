package tlsadapter

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"

	"github.com/arnebrasseur/ember/buffer"
)

// operation is the pending-operation tag spec.md §4.4 attaches to each TLS
// slot, alongside its session handle and outbound buffer.
type operation int

const (
	opIdle operation = iota
	opConnecting
	opTransferring
)

// probeDeadline bounds how long a single Handshake/Read/Write attempt may
// block. crypto/tls's calls are inherently blocking; the reactor only
// calls into this transport once select has reported the fd ready, so in
// the common case the call returns immediately. probeDeadline exists
// purely to convert the rare would-block case (partial TLS record
// available, handshake mid-flight) into the same wait-read/wait-write
// interest hints spec.md §4.4's attach/ready describe, rather than
// stalling the single reactor goroutine.
const probeDeadline = time.Millisecond

const maxDatagram = 1500

// Transport implements reactor.Transport over a crypto/tls.Conn. It is
// constructed via Attach, mirroring spec.md §4.4's attach(slot, socket,
// host).
type Transport struct {
	conn *tls.Conn
	raw  net.Conn

	op operation

	out *buffer.Buffer

	xfer       *os.File
	xferRemain int64

	wantRead, wantWrite bool

	closed bool
}

// Attach wraps raw in a TLS server session configured by cfg (spec.md
// §4.4 attach) and attempts the initial handshake. The returned hint
// follows the attach convention (0: wait for read, 2: wait for write), not
// the reactor's Mode bits. It is 0 both when the handshake completed and
// when it still waits for input, and -1 together with an error if the
// handshake failed outright. The write hint 2 is never returned, since
// crypto/tls exposes no want-write signal.
func Attach(raw net.Conn, cfg *tls.Config, outCap int) (*Transport, int, error) {
	conn := tls.Server(raw, cfg)
	t := &Transport{conn: conn, raw: raw, op: opConnecting, out: buffer.New(outCap)}
	hint, err := t.tryHandshake()
	if err != nil {
		return nil, -1, err
	}
	return t, hint, nil
}

func (t *Transport) tryHandshake() (int, error) {
	_ = t.raw.SetDeadline(time.Now().Add(probeDeadline))
	defer t.raw.SetDeadline(time.Time{})

	err := t.conn.HandshakeContext(context.Background())
	if err == nil {
		t.op = opIdle
		t.wantRead, t.wantWrite = false, false
		return 0, nil
	}
	if isTimeout(err) {
		// Handshake is mid-flight; crypto/tls doesn't expose a want-
		// read/want-write signal directly, so treat a bare timeout as
		// wanting more input, the far more common case for a server-role
		// handshake waiting on ClientHello/Finished.
		t.wantRead, t.wantWrite = true, false
		return 0, nil
	}
	return -1, err
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Receive implements reactor.Transport. While a handshake is still in
// flight it retries the handshake instead of reading application data
// (spec.md §4.4 ready: "If connecting, retry the handshake").
func (t *Transport) Receive() ([]byte, error) {
	if t.op == opConnecting {
		_, err := t.tryHandshake()
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	buf := make([]byte, 8192)
	_ = t.raw.SetReadDeadline(time.Now().Add(probeDeadline))
	defer t.raw.SetReadDeadline(time.Time{})
	n, err := t.conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// Flush implements reactor.Transport: drains the outbound buffer, then
// continues any file transfer in progress (spec.md §4.4 ready:
// "Otherwise flush the outbound buffer").
func (t *Transport) Flush() (bool, error) {
	if t.op == opConnecting {
		_, err := t.tryHandshake()
		return t.op == opConnecting, err
	}

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
		t.op = opTransferring
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
			t.op = opIdle
			return false, nil
		}
		return true, nil
	}
	t.op = opIdle
	return false, nil
}

func (t *Transport) Send(data []byte) { _ = t.out.Append(data) }

func (t *Transport) BeginTransfer(f *os.File, length int64) {
	t.xfer = f
	t.xferRemain = length
	t.op = opTransferring
}

// Interest reports the extra read/write bits the handshake or an
// in-flight transfer wants, on top of the reactor's own read-gate logic.
func (t *Transport) Interest() (bool, bool) {
	if t.op == opConnecting {
		return t.wantRead, t.wantWrite
	}
	if t.op == opTransferring {
		return false, true
	}
	return false, false
}

// Pending reports whether Flush still has outbound bytes or transfer data
// to write, mirroring reactor.plainTransport.Pending. While a handshake is
// in progress it reports the handshake's write wish (wantWrite), which
// tryHandshake always leaves false.
func (t *Transport) Pending() bool {
	if t.op == opConnecting {
		return t.wantWrite
	}
	return t.out.Len() > 0 || (t.xfer != nil && t.xferRemain > 0)
}

func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.xfer != nil {
		_ = t.xfer.Close()
		t.xfer = nil
	}
	_ = t.conn.Close()
}
