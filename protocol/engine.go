package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/arnebrasseur/ember/buffer"
	"github.com/arnebrasseur/ember/logging"
)

// Sentinel errors surfaced by the engine (spec.md §7's parse-error
// taxonomy). They are logged at the boundary and never panicked.
var (
	ErrPathTraversal               = errors.New("protocol: path traversal in URI")
	ErrUnsupportedTransferEncoding = errors.New("protocol: unsupported transfer-encoding")
	ErrMalformedRequestLine        = errors.New("protocol: malformed request line")
)

// Engine implements the request parse/dispatch/serialize cycle of
// spec.md §4.2. One Engine serves every slot; Conn carries the per-slot
// state.
type Engine struct {
	Router Router
	Log    logging.Logger
}

// NewEngine returns an Engine dispatching through router.
func NewEngine(router Router, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{Router: router, Log: log}
}

// Consume drives the request-path state machine for one slot against the
// bytes currently held in rb (spec.md §4.2 "Request path" and "Parsing
// contract"). It returns the number of bytes consumed from rb, whether the
// connection must be closed (parse errors, path traversal, unsupported
// transfer-encoding), and any response bytes ready to write immediately
// (a short error preamble or the serialized handler response; nil while
// more bytes are needed or when the connection is closed without a reply).
//
// Consume never blocks and never itself performs socket I/O; the reactor
// owns rb and the socket.
func (e *Engine) Consume(c *Conn, rb *buffer.Buffer) (consumed int, closeConn bool, response []byte) {
	switch c.Parse {
	case Error:
		// Absorbing state: discard everything until the connection closes.
		n := rb.Len()
		rb.Consume(n)
		return n, false, nil
	case AwaitingContent:
		return e.consumeBody(c, rb)
	default:
		return e.consumeRequestLine(c, rb)
	}
}

func (e *Engine) consumeRequestLine(c *Conn, rb *buffer.Buffer) (int, bool, []byte) {
	data := rb.Bytes()
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return 0, false, nil // need more bytes
	}
	head := data[:idx]
	headLen := idx + 4

	lineEnd := bytes.IndexByte(head, '\n')
	var line []byte
	if lineEnd == -1 {
		line = head
	} else {
		line = head[:lineEnd]
	}
	line = bytes.TrimRight(line, "\r\n")

	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		n := rb.Len()
		rb.Consume(n)
		c.Parse = Error
		e.Log.Warnf("protocol: %v", ErrMalformedRequestLine)
		return n, true, shortErrorPreamble(406, "Invalid Request Line")
	}
	method, rawURI := parts[0], parts[1]

	if len(method) > maxMethodLen || len(rawURI) > maxURILen {
		n := rb.Len()
		rb.Consume(n)
		c.Parse = Error
		return n, true, shortErrorPreamble(406, "Invalid Request Line")
	}

	if strings.Contains(rawURI, "..") {
		n := rb.Len()
		rb.Consume(n)
		c.Parse = Error
		e.Log.Warnf("protocol: %v for %q", ErrPathTraversal, rawURI)
		return n, true, nil
	}

	uriPath, rawQuery := rawURI, ""
	if i := strings.IndexByte(rawURI, '?'); i >= 0 {
		uriPath, rawQuery = rawURI[:i], rawURI[i+1:]
	}

	c.Role = RoleServer
	c.Method = percentDecode(method)
	c.URI = percentDecode(uriPath)
	if rawQuery != "" {
		splitQuery(rawQuery, c.Query)
	}

	// Header lines are everything in head after the first line.
	var headerBlock []byte
	if lineEnd == -1 {
		headerBlock = nil
	} else {
		headerBlock = head[lineEnd+1:]
	}
	parseHeaderBlock(headerBlock, c.In)

	if v, ok := c.In.Get("Connection"); ok && strings.EqualFold(strings.TrimSpace(v), "keep-alive") {
		c.keepAliveWanted = true
	}

	id, handler, asyncHandler, protect, found := e.Router.Find(c.URI)
	if !found {
		rb.Consume(headLen)
		c.ResetForNextRequest()
		return headLen, false, shortErrorPreamble(404, "Not found")
	}
	c.RouteID = id
	c.AsyncRoute = asyncHandler

	// Determine body handling (spec.md §4.2 step 7).
	c.contentLengthSeen = -1
	if v, ok := c.In.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			n = 0
		}
		c.contentLengthSeen = n
	}
	if v, ok := c.In.Get("Transfer-Encoding"); ok {
		if !strings.EqualFold(strings.TrimSpace(v), "chunked") {
			n := rb.Len()
			rb.Consume(n)
			c.Parse = Error
			e.Log.Warnf("protocol: %v: %q", ErrUnsupportedTransferEncoding, v)
			return n, true, nil
		}
		c.chunkedRequested = true
	}

	bodyAvailable := data[headLen:]

	switch {
	case c.chunkedRequested:
		decoded, rest, ok, cerr := decodeChunkedInPlace(bodyAvailable)
		if !ok {
			if cerr != nil {
				n := rb.Len()
				rb.Consume(n)
				c.Parse = Error
				e.Log.Warnf("protocol: %v", cerr)
				return n, true, shortErrorPreamble(406, "Invalid Chunked Encoding")
			}
			// Only fully-received chunked payloads are accepted at this
			// revision (spec.md §4.2 step 7); wait for more bytes.
			return 0, false, nil
		}
		consumedBody := len(bodyAvailable) - len(rest)
		resp := e.dispatch(c, handler, protect, decoded)
		rb.Consume(headLen + consumedBody)
		return headLen + consumedBody, c.Parse == Error, resp

	case c.contentLengthSeen == 0:
		resp := e.dispatch(c, handler, protect, nil)
		rb.Consume(headLen)
		return headLen, c.Parse == Error, resp

	case c.contentLengthSeen > 0:
		need := c.contentLengthSeen
		if int64(len(bodyAvailable)) >= need {
			body := append([]byte(nil), bodyAvailable[:need]...)
			resp := e.dispatch(c, handler, protect, body)
			rb.Consume(headLen + int(need))
			return headLen + int(need), c.Parse == Error, resp
		}
		// Not enough buffered yet: advance to awaiting-content.
		c.Parse = AwaitingContent
		c.wantBodyLen = need
		if asyncHandler != nil {
			prefix := append([]byte(nil), bodyAvailable...)
			c.wantBody = prefix
			asyncHandler(c, c.Method, c.URI, prefix)
			if resp, closeConn, handled := e.shortCircuitAsync(c); handled {
				rb.Consume(headLen + len(bodyAvailable))
				return headLen + len(bodyAvailable), closeConn, resp
			}
		} else {
			c.wantBody = append([]byte(nil), bodyAvailable...)
		}
		rb.Consume(headLen + len(bodyAvailable))
		return headLen + len(bodyAvailable), false, nil

	default:
		resp := e.dispatch(c, handler, protect, nil)
		rb.Consume(headLen)
		return headLen, c.Parse == Error, resp
	}
}

func (e *Engine) consumeBody(c *Conn, rb *buffer.Buffer) (int, bool, []byte) {
	data := rb.Bytes()
	need := c.wantBodyLen - int64(len(c.wantBody))
	if int64(len(data)) < need {
		c.wantBody = append(c.wantBody, data...)
		n := len(data)
		rb.Consume(n)
		return n, false, nil
	}
	c.wantBody = append(c.wantBody, data[:need]...)
	rb.Consume(int(need))

	_, handler, _, protect, found := e.Router.Find(c.URI)
	if !found {
		c.ResetForNextRequest()
		return int(need), false, shortErrorPreamble(404, "Not found")
	}
	resp := e.dispatch(c, handler, protect, c.wantBody)
	return int(need), c.Parse == Error, resp
}

// dispatch runs the protection gate then the handler (spec.md §4.3), and
// serializes the response preamble + body (spec.md §4.2 step 8-9).
func (e *Engine) dispatch(c *Conn, handler Handler, routeProtect ProtectFunc, body []byte) []byte {
	if !c.Protected {
		if global, ok := e.Router.GlobalProtect(); ok {
			global(c, c.Method, c.URI)
		}
		if c.Status == 0 && routeProtect != nil {
			routeProtect(c, c.Method, c.URI)
		}
		c.Protected = true
	}

	if c.Status == 204 {
		resp := shortErrorPreamble(204, "No Content")
		c.ResetForNextRequest()
		return resp
	}
	if isErrorStatus(c.Status) {
		c.CancelTransfer()
		c.DrainChunks()
		resp := shortErrorPreamble(c.Status, c.Reason)
		c.ResetForNextRequest()
		return resp
	}

	respBody := handler(c, c.Method, c.URI, body)
	if isErrorStatus(c.Status) {
		c.CancelTransfer()
		c.DrainChunks()
		resp := shortErrorPreamble(c.Status, c.Reason)
		c.ResetForNextRequest()
		return resp
	}

	resp := e.buildSuccessResponse(c, respBody)
	// An outbound transfer outlives the per-request reset: the reactor
	// takes it from TransferInFlight right after Drive returns.
	xfer := c.xfer
	c.ResetForNextRequest()
	if xfer != nil && xfer.Direction == TransferOutbound {
		c.SetTransfer(xfer)
	}
	return resp
}

func (e *Engine) buildSuccessResponse(c *Conn, body []byte) []byte {
	status := c.Status
	reason := c.Reason
	if status == 0 {
		status, reason = 200, "OK"
	}

	queued := c.DrainChunks()
	var xferLen int64
	if t := c.TransferInFlight(); t != nil && t.Direction == TransferOutbound {
		xferLen = t.Remaining
	}

	bodyLen := int64(len(body))
	var queuedLen int64
	for _, q := range queued {
		queuedLen += int64(len(q))
	}
	total := bodyLen + queuedLen + xferLen

	if c.ContentLengthOverride != nil {
		total = *c.ContentLengthOverride
		body = truncateOrPad(body, total-queuedLen-xferLen)
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\n")
	if c.keepAliveWanted {
		buf.WriteString("Connection: keep-alive\r\n")
	}
	buf.WriteString("Date: ")
	buf.WriteString(rfc1123GMT())
	buf.WriteString("\r\n")
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.FormatInt(total, 10))
	buf.WriteString("\r\n")
	c.Out.Each(func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	buf.WriteString("\r\n")
	buf.Write(body)
	for _, q := range queued {
		buf.Write(q)
	}
	return buf.Bytes()
}

// truncateOrPad makes body exactly target bytes long, truncating or
// zero-padding as needed. This is the chosen resolution of the Open
// Question in spec.md §9: an explicit echttp_content_length-equivalent
// call is authoritative for the Content-Length header, and the handler
// body is adjusted to match rather than the header being adjusted to the
// body.
func truncateOrPad(body []byte, target int64) []byte {
	if target < 0 {
		target = 0
	}
	if int64(len(body)) == target {
		return body
	}
	if int64(len(body)) > target {
		return body[:target]
	}
	padded := make([]byte, target)
	copy(padded, body)
	return padded
}

// shortCircuitAsync checks the status an async handler just set on c and,
// if it is 3xx or 4xx/5xx, builds the immediate short response spec.md
// §4.2's "Failure behavior within a handler" requires: the status line and
// headers are emitted right away, any in-flight transfer is cancelled, and
// the slot is switched to the absorbing Error state so the body the client
// is still sending is discarded rather than handed to the now-moot
// synchronous handler. handled is false when the handler left status unset
// (0) or set a non-redirect, non-error status, in which case the normal
// awaiting-content flow continues.
func (e *Engine) shortCircuitAsync(c *Conn) (response []byte, closeConn bool, handled bool) {
	switch {
	case isRedirectStatus(c.Status):
		c.CancelTransfer()
		c.DrainChunks()
		resp := buildAsyncRedirectPreamble(c)
		c.Parse = Error
		return resp, false, true
	case isErrorStatus(c.Status):
		c.CancelTransfer()
		c.DrainChunks()
		resp := shortErrorPreamble(c.Status, c.Reason)
		c.Parse = Error
		return resp, false, true
	default:
		return nil, false, false
	}
}

// buildAsyncRedirectPreamble serializes the status line and any outgoing
// attributes the handler set, with no body, for the 3xx short-circuit path.
// An HTTP-level error or redirect never by itself closes the TCP
// connection (spec.md §4.2), so this never reports closeConn.
func buildAsyncRedirectPreamble(c *Conn) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(c.Status))
	buf.WriteByte(' ')
	reason := c.Reason
	if reason == "" {
		reason = "Redirect"
	}
	buf.WriteString(reason)
	buf.WriteString("\r\n")
	c.Out.Each(func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	buf.WriteString("Content-Length: 0\r\n\r\n")
	return buf.Bytes()
}

func shortErrorPreamble(status int, reason string) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\nContent-Length: 0\r\n\r\n")
	return buf.Bytes()
}
