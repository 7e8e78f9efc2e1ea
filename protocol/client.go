package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/arnebrasseur/ember/buffer"
)

// ConsumeResponse drives the client-role response parse path (spec.md
// §4.2 "Response path (client role)"). The status line must begin
// "HTTP/1."; the decimal status after the first space is clamped to
// 100..599 (else 500). Body handling mirrors the server path except that
// completion fires c.ClientResponse once with the full body, resets the
// input catalog, and signals the reactor to close the connection.
func (e *Engine) ConsumeResponse(c *Conn, rb *buffer.Buffer) (consumed int, closeConn bool) {
	data := rb.Bytes()
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return 0, false
	}
	head := data[:idx]
	headLen := idx + 4

	lineEnd := bytes.IndexByte(head, '\n')
	var statusLine, headerBlock []byte
	if lineEnd == -1 {
		statusLine, headerBlock = head, nil
	} else {
		statusLine, headerBlock = head[:lineEnd], head[lineEnd+1:]
	}
	statusLine = bytes.TrimRight(statusLine, "\r\n")

	status := 500
	if bytes.HasPrefix(statusLine, []byte("HTTP/1.")) {
		fields := strings.SplitN(string(statusLine), " ", 3)
		if len(fields) >= 2 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				status = n
			}
		}
	}
	if status < 100 || status > 599 {
		status = 500
	}
	c.Status = status
	parseHeaderBlock(headerBlock, c.In)

	contentLength := int64(0)
	if v, ok := c.In.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			contentLength = n
		}
	}
	bodyAvailable := data[headLen:]

	chunked := false
	if v, ok := c.In.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(v), "chunked") {
		chunked = true
	}

	if chunked {
		decoded, rest, ok, cerr := decodeChunkedInPlace(bodyAvailable)
		if !ok {
			if cerr != nil {
				e.Log.Warnf("protocol: %v", cerr)
				n := rb.Len()
				rb.Consume(n)
				c.Parse = Error
				e.NotifyTransportError(c)
				return n, true
			}
			return 0, false
		}
		consumedBody := len(bodyAvailable) - len(rest)
		e.finishClientResponse(c, decoded)
		rb.Consume(headLen + consumedBody)
		return headLen + consumedBody, true
	}

	if int64(len(bodyAvailable)) < contentLength {
		// Not enough yet; stash what we have and wait (same awaiting-
		// content state the server path uses).
		c.Parse = AwaitingContent
		c.wantBodyLen = contentLength
		c.wantBody = append([]byte(nil), bodyAvailable...)
		rb.Consume(headLen + len(bodyAvailable))
		return headLen + len(bodyAvailable), false
	}

	body := append([]byte(nil), bodyAvailable[:contentLength]...)
	e.finishClientResponse(c, body)
	rb.Consume(headLen + int(contentLength))
	return headLen + int(contentLength), true
}

// ConsumeResponseBody continues a client response that was left in
// AwaitingContent by ConsumeResponse because the body hadn't fully
// arrived yet.
func (e *Engine) ConsumeResponseBody(c *Conn, rb *buffer.Buffer) (consumed int, closeConn bool) {
	data := rb.Bytes()
	need := c.wantBodyLen - int64(len(c.wantBody))
	if int64(len(data)) < need {
		c.wantBody = append(c.wantBody, data...)
		n := len(data)
		rb.Consume(n)
		return n, false
	}
	c.wantBody = append(c.wantBody, data[:need]...)
	rb.Consume(int(need))
	e.finishClientResponse(c, c.wantBody)
	return int(need), true
}

// Drive dispatches to the server or client parse path depending on the
// slot's current role, so the reactor's per-slot read handling doesn't
// need to know which kind of PDU it's looking at.
func (e *Engine) Drive(c *Conn, rb *buffer.Buffer) (consumed int, closeConn bool, response []byte) {
	if c.Role != RoleClient {
		return e.Consume(c, rb)
	}
	if c.Parse == AwaitingContent {
		n, done := e.ConsumeResponseBody(c, rb)
		return n, done, nil
	}
	n, done := e.ConsumeResponse(c, rb)
	return n, done, nil
}

func (e *Engine) finishClientResponse(c *Conn, body []byte) {
	if c.ClientResponse != nil {
		c.ClientResponse(c.ClientResponseOrigin, c.Status, c.In, body)
	}
	// The reactor closes this slot right after Drive reports closeConn, which
	// unconditionally calls NotifyTransportError; clearing the callback here
	// keeps that close from re-firing it with a spurious 505.
	c.ClientResponse = nil
	c.ClientResponseOrigin = nil
	c.In.Reset()
}

// NotifyTransportError fires any pending client-response callback with
// status 505 and resets the slot, matching spec.md §7's "Connection-level
// I/O errors: close the slot; fire any pending client-response callback
// with status 505" — used for both plain read/write errors and TLS
// failures (spec.md §4.4).
func (e *Engine) NotifyTransportError(c *Conn) {
	if c.Role == RoleClient && c.ClientResponse != nil {
		c.ClientResponse(c.ClientResponseOrigin, 505, nil, nil)
	}
	c.ResetForNextRequest()
}

// RedirectAction is the outcome of applying the redirect helper to a
// client response (spec.md §4.2 "Redirect helper").
type RedirectAction int

const (
	RedirectNone RedirectAction = iota
	RedirectReissueSameMethod
	RedirectReissueGet
)

// RedirectDecision implements the 4xx/5xx branch of the client flow: given
// the method that originated the request and the status just received, it
// reports what the caller must do. Status classes outside {301,302,303,
// 307,308} are returned unchanged (RedirectNone).
func RedirectDecision(originMethod string, status int) RedirectAction {
	switch status {
	case 301, 302, 307, 308:
		return RedirectReissueSameMethod
	case 303:
		return RedirectReissueGet
	default:
		return RedirectNone
	}
}

// ErrMissingLocation names the case of a redirect status that arrived with
// no Location attribute; spec.md §4.2 says this "becomes 500."
// PrepareRedirect reports that case with ok=false and does not return this
// error.
var ErrMissingLocation = errors.New("protocol: redirect response missing Location")

// PrepareRedirect resolves the Location the caller should reissue to. A
// missing Location on a redirect-class status is reported via ok=false;
// the caller must then treat the response as status 500 per spec.md §4.2.
func PrepareRedirect(c *Conn) (location string, ok bool) {
	location, present := c.In.Get("Location")
	if !present || location == "" {
		return "", false
	}
	return location, true
}
