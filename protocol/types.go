// Package protocol implements the incremental HTTP/1.1 parser and state
// machine described in spec.md §4.2: one Conn per connection slot, carrying
// the parse state, the request or response under assembly, the deferred
// response-chunk queue, and an optional file-transfer handoff.
//
// The parsing contract mirrors the teacher's own chunked/transfer helpers
// (utils_chunks.go, transfer_body_reader.go, chunk_writer.go): consume
// bytes in place from a caller-owned buffer, report how many were
// consumed, and let the caller (the reactor) decide what to do with the
// rest.
package protocol

import (
	"os"

	"github.com/arnebrasseur/ember/catalog"
)

// ParseState is the state a slot's protocol engine is in with respect to
// the connection's current PDU (spec.md §3).
type ParseState int

const (
	Idle ParseState = iota
	AwaitingContent
	Error
)

func (s ParseState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingContent:
		return "awaiting-content"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// TransferState tells whether a file-descriptor transfer is in flight for
// this slot, and in which direction.
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferInbound
	TransferOutbound
)

// Role distinguishes a slot serving a request from one awaiting a response
// it originated as a client (spec.md §3: never both at once).
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

// Handler is the synchronous request callback contract (spec.md §6): it
// receives the connection slot currently being served along with the
// parsed method, URI, and body, and returns an owned response body, or nil
// for an empty body. c is the same Conn the engine dispatches through, so a
// handler can call SetStatus, SetContentLength, EnqueueChunk, or
// SetTransfer to drive the behaviors spec.md §4.2/§7 document, exactly as
// ProtectFunc already can.
type Handler func(c *Conn, method, uri string, body []byte) []byte

// AsyncHandler is the streaming request callback: invoked with the
// connection slot and whatever prefix of the body has already arrived when
// Content-Length exceeds the buffered bytes (spec.md §4.2 step 7, Glossary
// "Async route"). The handler is expected to arrange further consumption
// via c's transfer fields rather than return a body directly; setting a
// 3xx status on c short-circuits the body per spec.md §4.2 "Failure
// behavior within a handler."
type AsyncHandler func(c *Conn, method, uri string, bodyPrefix []byte)

// ProtectFunc is the protection gate callback (spec.md §4.3): it inspects
// the method and URI and may short-circuit by setting status on the Conn.
type ProtectFunc func(c *Conn, method, uri string)

// ClientResponseFunc is the client-role synchronous response callback
// (spec.md §6): invoked once, with the response's headers and full body,
// when a response completes. headers is nil when the callback fires
// because of a connection-level error (spec.md §7) rather than an actual
// parsed response.
type ClientResponseFunc func(origin interface{}, status int, headers *catalog.Catalog, body []byte)

// Router is the narrow interface the engine needs from the routing layer
// (package router implements it); kept here, not in package router, so
// that protocol never imports router and the dependency only runs one
// way.
type Router interface {
	// Find performs the lookup in spec.md §4.2 step 5: exact match first,
	// then longest registered prefix, then the root prefix route. ok is
	// false only when nothing at all matched.
	Find(uri string) (id int, h Handler, ah AsyncHandler, protect ProtectFunc, ok bool)
	// GlobalProtect returns the single global protect callback, if one was
	// installed via protect_route(0, cb); ok is false otherwise.
	GlobalProtect() (protect ProtectFunc, ok bool)
}

// Transfer describes a deferred file-descriptor hand-off (spec.md §3,
// Glossary "Transfer"). For an outbound transfer the reactor writes up to
// Remaining bytes from File after the response and then closes File. An
// inbound transfer is recorded on the Conn but not acted on: received body
// bytes are still collected in memory and handed to the handler, nothing
// is written to File, and File is closed only if the transfer is
// cancelled.
type Transfer struct {
	File      *os.File
	Remaining int64
	Direction TransferState
}

// Close releases the transfer's file descriptor, tolerating a nil File or
// an already-closed one (double cancellation must not panic).
func (t *Transfer) Close() error {
	if t == nil || t.File == nil {
		return nil
	}
	err := t.File.Close()
	t.File = nil
	return err
}

const (
	maxMethodLen = 63
	maxURILen    = 511
)

// Conn is one connection slot's protocol state, corresponding exactly to
// the "Connection slot" record in spec.md §3.
type Conn struct {
	Role Role

	Parse    ParseState
	Transfer TransferState

	Method string
	URI    string

	In    *catalog.Catalog // incoming header attributes
	Query *catalog.Catalog // query parameters
	Out   *catalog.Catalog // outgoing attributes

	Status int
	Reason string

	ContentLengthOverride *int64

	chunks      [][]byte
	chunksBytes int64

	ClientResponse       ClientResponseFunc
	ClientResponseOrigin interface{}
	AsyncRoute           AsyncHandler

	Protected bool
	RouteID   int

	// xfer is non-nil only while a transfer is in flight; at most one of
	// inbound/outbound per the spec.md §3 invariant (Transfer already
	// encodes which direction, xfer.Direction must agree).
	xfer *Transfer

	// wantBody accumulates bytes for the request/response body currently
	// being assembled in the awaiting-content (non-chunked) path, whether
	// or not the route has an async handler.
	wantBody    []byte
	wantBodyLen int64

	// contentLengthSeen is the Content-Length the peer advertised, -1 if
	// none was present.
	contentLengthSeen int64
	chunkedRequested  bool
	keepAliveWanted   bool

	// clientMethod is not set by the engine; the redirect helper
	// (RedirectDecision) takes the originating method as an argument
	// instead.
	clientMethod string
}

// NewConn returns a freshly reset Conn with catalogs sized to cap entries
// each.
func NewConn(catalogCapacity int) *Conn {
	c := &Conn{}
	c.In = catalog.New(catalogCapacity)
	c.Query = catalog.New(catalogCapacity)
	c.Out = catalog.New(catalogCapacity)
	c.ResetForNextRequest()
	return c
}

// ResetForNextRequest clears per-PDU state, preparing the slot for the
// next request/response cycle (spec.md §3: "protected is ... cleared when
// a new PDU begins").
func (c *Conn) ResetForNextRequest() {
	c.Role = RoleNone
	c.Parse = Idle
	c.Transfer = TransferIdle
	c.Method = ""
	c.URI = ""
	c.In.Reset()
	c.Query.Reset()
	c.Out.Reset()
	c.Status = 0
	c.Reason = ""
	c.ContentLengthOverride = nil
	c.chunks = c.chunks[:0]
	c.chunksBytes = 0
	c.ClientResponse = nil
	c.ClientResponseOrigin = nil
	c.AsyncRoute = nil
	c.Protected = false
	c.RouteID = 0
	c.xfer = nil
	c.wantBody = nil
	c.wantBodyLen = 0
	c.contentLengthSeen = -1
	c.chunkedRequested = false
	c.keepAliveWanted = false
}

// EnqueueChunk takes ownership of data and appends it to the deferred
// outbound queue (spec.md §9: "enqueue takes ownership; drain frees").
func (c *Conn) EnqueueChunk(data []byte) {
	c.chunks = append(c.chunks, data)
	c.chunksBytes += int64(len(data))
}

// QueuedBytes returns the total bytes currently queued across all deferred
// chunks.
func (c *Conn) QueuedBytes() int64 { return c.chunksBytes }

// DrainChunks removes and returns all queued chunks in enqueue order,
// emptying the queue. The spec requires the queue be non-empty only
// between handler return and preamble emission (spec.md §3); callers must
// call this exactly once per response.
func (c *Conn) DrainChunks() [][]byte {
	out := c.chunks
	c.chunks = nil
	c.chunksBytes = 0
	return out
}

// SetTransfer hands a file descriptor to the engine for deferred sending
// (outbound: the reactor streams it after the response) or records an
// inbound one, which is not written to (see Transfer). Only one transfer
// may be in flight per the slot invariant.
func (c *Conn) SetTransfer(t *Transfer) {
	c.xfer = t
	c.Transfer = t.Direction
}

// TransferInFlight returns the active transfer, or nil if none.
func (c *Conn) TransferInFlight() *Transfer { return c.xfer }

// CancelTransfer releases and clears any in-flight transfer, as required
// when an HTTP-level error or redirect short-circuits the response
// (spec.md §4.2 "Failure behavior within a handler").
func (c *Conn) CancelTransfer() {
	if c.xfer != nil {
		_ = c.xfer.Close()
		c.xfer = nil
		c.Transfer = TransferIdle
	}
}

// SetStatus sets the response status the handler or protect callback
// wants to send; this is the error-signaling API described in spec.md §7
// ("errors discovered by handlers are expressed through the status-
// setting API, not by unwinding").
func (c *Conn) SetStatus(code int, reason string) {
	c.Status = code
	c.Reason = reason
}

// SetContentLength lets a handler pre-commit an explicit Content-Length,
// overriding the length the engine would otherwise derive from the
// returned body. Per the Open Question in spec.md §9, this explicit value
// is authoritative for the header the engine writes; buildSuccessResponse
// truncates or pads the handler body to match it (truncateOrPad).
func (c *Conn) SetContentLength(n int64) {
	c.ContentLengthOverride = &n
}

func isErrorStatus(code int) bool { return code >= 400 && code < 600 }
func isRedirectStatus(code int) bool { return code >= 300 && code < 400 }
