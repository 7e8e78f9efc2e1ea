// Package reactor implements the non-blocking socket multiplexer
// described in spec.md §4.1: it owns the listener, a fixed table of
// connection slots, a table of externally registered descriptors, and a
// set of time-driven hooks, and drives them cooperatively from a single
// goroutine's select loop.
//
// This is the one subsystem with no direct analogue in the teacher
// (badu-http runs one goroutine per accepted connection, relying on the Go
// runtime's own netpoller); its syscall-level shape is grounded instead on
// jacobsa-fuse's raw, syscall-facing connection handling, adapted from
// FUSE's /dev/fuse message loop to a TCP listener + accepted sockets.
package reactor

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arnebrasseur/ember/buffer"
	"github.com/arnebrasseur/ember/logging"
	"github.com/arnebrasseur/ember/protocol"
)

// Mode is a bitmask of interest: bit 0 is read, bit 1 is write, matching
// spec.md §4.1 listen_fd.
type Mode int

const (
	ModeNone  Mode = 0
	ModeRead  Mode = 1 << 0
	ModeWrite Mode = 1 << 1
)

// Listener is the capability registered fds and background/fastscan hooks
// are expressed as (spec.md §9 "capability interface per extension
// point"). It is invoked with fd=0, mode=0 for timer hooks.
type Listener func(fd int, mode Mode)

var (
	ErrSlotTableFull  = errors.New("reactor: slot table full")
	ErrUnknownService = errors.New("reactor: cannot resolve service")
	ErrClosed         = errors.New("reactor: closed")
)

const (
	defaultSlotCapacity  = 64
	defaultOutBufferSize = 16 << 10
	defaultInBufferSize  = 16 << 10
	inactivityDeadline   = 10 * time.Second
)

type registeredFD struct {
	fd       int
	mode     Mode
	listener Listener
	premium  bool
}

// Reactor is the event loop owning the listener and the slot table.
type Reactor struct {
	log    logging.Logger
	engine *protocol.Engine

	listener   *net.TCPListener
	listenerFD int
	ttl        int

	mu         sync.Mutex // guards registered/background/fastscan only; slots are touched solely from Run's goroutine
	slots      []slot
	registered map[int]*registeredFD

	background     Listener
	fastscan       Listener
	fastscanPeriod time.Duration

	catalogCapacity int

	closed bool
}

// Options configures Open.
type Options struct {
	Service         string // numeric port, named service, or "dynamic"
	Debug           bool
	TTL             int
	SlotCapacity    int // 0 -> defaultSlotCapacity
	CatalogCapacity int // 0 -> 64
	Engine          *protocol.Engine
	Log             logging.Logger
}

// Open creates the TCP listener bound to INADDR_ANY on the resolved port
// (spec.md §4.1 open()) and allocates the slot table.
func Open(opts Options) (*Reactor, error) {
	port, err := resolvePort(opts.Service)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}

	capacity := opts.SlotCapacity
	if capacity <= 0 {
		capacity = defaultSlotCapacity
	}
	catalogCap := opts.CatalogCapacity
	if catalogCap <= 0 {
		catalogCap = 64
	}

	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	log.SetDebug(opts.Debug)

	r := &Reactor{
		log:             log,
		engine:          opts.Engine,
		listener:        ln,
		ttl:             opts.TTL,
		registered:      make(map[int]*registeredFD),
		slots:           make([]slot, capacity),
		catalogCapacity: catalogCap,
	}
	for i := range r.slots {
		r.slots[i].rawFD = -1
	}

	if fd, ferr := rawFD(ln); ferr == nil {
		r.listenerFD = fd
	} else {
		_ = ln.Close()
		return nil, ferr
	}

	return r, nil
}

// Addr returns the listener's bound address, letting a caller discover
// the kernel-assigned port when Service was "dynamic".
func (r *Reactor) Addr() net.Addr { return r.listener.Addr() }

// Capacity returns the slot table size, exposed per spec.md §4.1 so the
// TLS adapter can size its own parallel table.
func (r *Reactor) Capacity() int { return len(r.slots) }

func resolvePort(service string) (int, error) {
	if service == "" || service == "dynamic" {
		return 0, nil
	}
	if n, err := strconv.Atoi(service); err == nil {
		return n, nil
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return 0, ErrUnknownService
	}
	return port, nil
}

func rawFD(ln *net.TCPListener) (int, error) {
	sc, err := ln.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := sc.Control(func(p uintptr) { fd = int(p) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}

func connRawFD(c net.Conn) (int, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return -1, errors.New("reactor: connection does not expose a raw fd")
	}
	sc, err := tc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := sc.Control(func(p uintptr) { fd = int(p) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}

// ListenFD registers a foreign descriptor with interest mask mode
// (spec.md §4.1 listen_fd). Premium listeners fire before core slot I/O in
// the same readiness tick; mode 0 deregisters.
func (r *Reactor) ListenFD(fd int, mode Mode, listener Listener, premium bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == ModeNone {
		delete(r.registered, fd)
		return
	}
	r.registered[fd] = &registeredFD{fd: fd, mode: mode, listener: listener, premium: premium}
}

// Background installs a once-per-tick hook invoked before the select call,
// best-effort ~1 Hz (spec.md §4.1 background()).
func (r *Reactor) Background(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = listener
}

// Fastscan installs a higher-frequency hook layered on top of the select
// timeout (spec.md §4.1 fastscan()). periodMs must be in (0, 1000).
func (r *Reactor) Fastscan(listener Listener, periodMs int) error {
	if periodMs <= 0 || periodMs >= 1000 {
		return errors.New("reactor: fastscan period must be in (0, 1000) ms")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fastscan = listener
	r.fastscanPeriod = time.Duration(periodMs) * time.Millisecond
	return nil
}

// Send appends bytes to slot's outbound buffer (spec.md §4.1 send()).
func (r *Reactor) Send(slotIndex int, data []byte) error {
	s, err := r.slot(slotIndex)
	if err != nil {
		return err
	}
	s.transport.Send(data)
	return nil
}

// Transfer hands ownership of an open file to the reactor; it writes
// exactly length bytes from offset 0 and then closes f (spec.md §4.1
// transfer()).
func (r *Reactor) Transfer(slotIndex int, f *os.File, length int64) error {
	s, err := r.slot(slotIndex)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.transport.BeginTransfer(f, length)
	return nil
}

func (r *Reactor) slot(i int) (*slot, error) {
	if i < 0 || i >= len(r.slots) || r.slots[i].free() {
		return nil, errors.New("reactor: invalid slot index")
	}
	return &r.slots[i], nil
}

// EngineConn returns the protocol-engine state for slotIndex, for callers
// (router protect callbacks, the client package) that need to read or set
// status/attributes on the slot currently being served.
func (r *Reactor) EngineConn(slotIndex int) (*protocol.Conn, error) {
	s, err := r.slot(slotIndex)
	if err != nil {
		return nil, err
	}
	return s.engineConn, nil
}

// CloseSlot closes slotIndex's transport and frees the slot for reuse.
func (r *Reactor) CloseSlot(slotIndex int, reason string) {
	if slotIndex < 0 || slotIndex >= len(r.slots) {
		return
	}
	s := &r.slots[slotIndex]
	if s.free() {
		return
	}
	r.log.Debugf("reactor: closing slot %d (%s)", slotIndex, reason)
	if s.engineConn != nil {
		r.engine.NotifyTransportError(s.engineConn)
	}
	if s.transport != nil {
		s.transport.Close()
	} else if s.rawFD >= 0 {
		_ = unix.Close(s.rawFD)
	}
	s.reset()
}

// CloseAll closes every active slot and the listener.
func (r *Reactor) CloseAll() {
	for i := range r.slots {
		r.CloseSlot(i, "close_all")
	}
	r.closed = true
	_ = r.listener.Close()
}

func (r *Reactor) findFreeSlot() int {
	for i := range r.slots {
		if r.slots[i].free() {
			return i
		}
	}
	return -1
}

// attach wires an accepted connection into a free slot as a fresh server-
// role Conn. It returns false when the table is full, in which case the
// caller closes conn itself (spec.md §4.1 step 3: "the listener fd is
// dropped from the read set while the slot table is full," but a
// connection that slips in between ticks is refused outright).
func (r *Reactor) attach(conn net.Conn) bool {
	i := r.findFreeSlot()
	if i < 0 {
		return false
	}
	fd, err := connRawFD(conn)
	if err != nil {
		_ = conn.Close()
		return true
	}
	s := &r.slots[i]
	s.conn = conn
	s.rawFD = fd
	s.transport = newPlainTransport(conn, defaultOutBufferSize)
	s.engineConn = protocol.NewConn(r.catalogCapacity)
	s.engineConn.Role = protocol.RoleServer
	s.inBuf = buffer.New(defaultInBufferSize)
	s.lastDrainedAt = time.Now()
	s.active = true
	return true
}

// Run is the reactor's single cooperative loop (spec.md §4.1's scheduling
// algorithm). It blocks until CloseAll is called or a non-recoverable
// select error occurs.
func (r *Reactor) Run() error {
	for !r.closed {
		readSet, writeSet, maxFD, premiumFirst := r.buildFDSets()

		tickPeriod := time.Second
		if r.fastscan != nil && r.fastscanPeriod > 0 {
			tickPeriod = r.fastscanPeriod
		}
		timeout := unix.NsecToTimeval(tickPeriod.Nanoseconds())

		if r.background != nil {
			r.background(0, 0)
		}

		n, err := unix.Select(maxFD+1, &readSet, &writeSet, nil, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			if r.fastscan != nil {
				r.fastscan(0, 0)
			}
			r.reapIdleSlots()
			continue
		}

		for _, pl := range premiumFirst {
			fireRegistered(pl, &readSet, &writeSet)
		}

		if fdIsSet(r.listenerFD, &readSet) {
			r.acceptPending()
		}

		for i := range r.slots {
			s := &r.slots[i]
			if s.free() {
				continue
			}
			if s.connecting {
				if fdIsSet(s.rawFD, &writeSet) {
					r.completeConnect(i)
				}
				continue
			}
			if fdIsSet(s.rawFD, &writeSet) {
				pending, werr := s.transport.Flush()
				if werr != nil {
					r.CloseSlot(i, "write_error")
					continue
				}
				if !pending {
					s.lastDrainedAt = time.Now()
				}
			}
			if s.free() {
				continue
			}
			if fdIsSet(s.rawFD, &readSet) {
				data, rerr := s.transport.Receive()
				if rerr != nil || len(data) == 0 {
					r.CloseSlot(i, "read_closed")
					continue
				}
				if appendErr := s.inBuf.Append(data); appendErr != nil {
					r.CloseSlot(i, "input_buffer_full")
					continue
				}
				r.drainSlot(i)
			}
		}

		r.mu.Lock()
		for fd, reg := range r.registered {
			if reg.premium {
				continue
			}
			mode := Mode(0)
			if fdIsSet(fd, &readSet) {
				mode |= ModeRead
			}
			if fdIsSet(fd, &writeSet) {
				mode |= ModeWrite
			}
			if mode != 0 {
				reg.listener(fd, mode)
			}
		}
		r.mu.Unlock()

		r.reapIdleSlots()
	}
	return nil
}

func fireRegistered(reg *registeredFD, readSet, writeSet *unix.FdSet) {
	mode := Mode(0)
	if fdIsSet(reg.fd, readSet) {
		mode |= ModeRead
	}
	if fdIsSet(reg.fd, writeSet) {
		mode |= ModeWrite
	}
	if mode != 0 {
		reg.listener(reg.fd, mode)
	}
}

// buildFDSets assembles the read/write fd_sets for one select() call
// (spec.md §4.1 step 2), applying the back-pressure read-gate: a slot whose
// transport has outbound bytes pending (buffered response data or an
// active transfer) is write-interested but not read-interested, so a slow
// client can't make the engine buffer unbounded additional requests. A
// slot mid-connect (DialClient's non-blocking connect) is write-interested
// only, since writability is how the kernel signals connect completion.
func (r *Reactor) buildFDSets() (readSet, writeSet unix.FdSet, maxFD int, premium []*registeredFD) {
	fdZero(&readSet)
	fdZero(&writeSet)

	if r.activeCount() < len(r.slots) {
		fdSet(r.listenerFD, &readSet)
	}
	if r.listenerFD > maxFD {
		maxFD = r.listenerFD
	}

	for i := range r.slots {
		s := &r.slots[i]
		if s.free() {
			continue
		}
		if s.connecting {
			fdSet(s.rawFD, &writeSet)
			if s.rawFD > maxFD {
				maxFD = s.rawFD
			}
			continue
		}
		wantRead, wantWrite := s.transport.Interest()
		pending := s.transport.Pending()
		if !pending {
			wantRead = true
		}
		if pending {
			wantWrite = true
		}
		if wantRead {
			fdSet(s.rawFD, &readSet)
		}
		if wantWrite {
			fdSet(s.rawFD, &writeSet)
		}
		if s.rawFD > maxFD {
			maxFD = s.rawFD
		}
	}

	r.mu.Lock()
	for fd, reg := range r.registered {
		if reg.mode&ModeRead != 0 {
			fdSet(fd, &readSet)
		}
		if reg.mode&ModeWrite != 0 {
			fdSet(fd, &writeSet)
		}
		if fd > maxFD {
			maxFD = fd
		}
		if reg.premium {
			premium = append(premium, reg)
		}
	}
	r.mu.Unlock()

	return readSet, writeSet, maxFD, premium
}

func (r *Reactor) activeCount() int {
	n := 0
	for i := range r.slots {
		if !r.slots[i].free() {
			n++
		}
	}
	return n
}

func (r *Reactor) acceptPending() {
	for {
		conn, err := r.listener.AcceptTCP()
		if err != nil {
			return
		}
		if !r.attach(conn) {
			_ = conn.Close()
		}
	}
}

// drainSlot hands every complete PDU currently buffered in the slot's
// input buffer to the protocol engine, writing any synchronous response
// bytes straight back out through the slot's transport (spec.md §4.2 step
// 10). The engine consumes in place, so this loops until it reports 0
// bytes consumed (a partial PDU awaiting more input) or the slot closes.
func (r *Reactor) drainSlot(i int) {
	s := &r.slots[i]
	for {
		consumed, closeConn, response := r.engine.Drive(s.engineConn, s.inBuf)
		if response != nil {
			s.transport.Send(response)
		}
		if xfer := s.engineConn.TransferInFlight(); xfer != nil && xfer.Direction == protocol.TransferOutbound {
			s.transport.BeginTransfer(xfer.File, xfer.Remaining)
			xfer.File = nil // the transport now owns and closes the file
			s.engineConn.CancelTransfer()
		}
		if closeConn {
			r.CloseSlot(i, "response_complete")
			return
		}
		if consumed == 0 {
			return
		}
		if s.free() {
			return
		}
	}
}

// reapIdleSlots closes any slot whose outbound buffer last drained (or
// which was opened) more than inactivityDeadline ago (spec.md §4.1 step
// 8). Incoming bytes do not push the deadline back, and the slot is closed
// even if outbound bytes are still pending.
func (r *Reactor) reapIdleSlots() {
	now := time.Now()
	for i := range r.slots {
		s := &r.slots[i]
		if s.free() {
			continue
		}
		if now.Sub(s.lastDrainedAt) > inactivityDeadline {
			r.CloseSlot(i, "inactivity_timeout")
		}
	}
}
