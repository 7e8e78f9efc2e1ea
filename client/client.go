package client

import (
	"net"

	"github.com/arnebrasseur/ember/catalog"
	"github.com/arnebrasseur/ember/logging"
	"github.com/arnebrasseur/ember/protocol"
	"github.com/arnebrasseur/ember/reactor"
)

// Dialer is the narrow reactor capability Client needs, kept as an
// interface so tests can fake the reactor without spinning one up.
// *reactor.Reactor satisfies it.
type Dialer interface {
	DialClient(addr string, requestBytes []byte, cb protocol.ClientResponseFunc, origin interface{}) (int, error)
}

// NewWithReactor is a convenience constructor for the common case of
// issuing requests through a live reactor.
func NewWithReactor(r *reactor.Reactor, jar *Jar, log logging.Logger) *Client {
	return New(r, jar, log)
}

// ResponseFunc is the caller-facing completion callback: it receives the
// final status and body after any redirects have been followed.
type ResponseFunc func(status int, body []byte)

// Client issues outbound requests through a reactor, replaying redirects
// per spec.md §4.2's "Redirect helper" and tracking the depth-limited
// context stack from spec.md §3.
type Client struct {
	r     Dialer
	stack Stack
	jar   *Jar
	log   logging.Logger

	maxRedirects int
}

// New returns a Client issuing requests through r. jar may be nil to
// disable cookie tracking.
func New(r Dialer, jar *Jar, log logging.Logger) *Client {
	if log == nil {
		log = logging.Discard()
	}
	return &Client{r: r, jar: jar, log: log, maxRedirects: 10}
}

// request is the in-flight state threaded through the redirect chain.
type request struct {
	method string
	host   string
	addr   string
	uri    string
	out    *catalog.Catalog
	body   []byte

	redirects int
	servingSlot int
	final     ResponseFunc
}

// Do issues method/uri against host:port (addr is the dial target,
// typically "host:port"), nested on behalf of servingSlot — the slot
// index of the request currently being served, or -1 for a top-level
// call not made from within a handler. final fires exactly once, after
// any redirects have been followed.
func (c *Client) Do(servingSlot int, method, addr, host, uri string, out *catalog.Catalog, body []byte, final ResponseFunc) error {
	if err := c.stack.Push(servingSlot); err != nil {
		return err
	}
	req := &request{
		method:      method,
		host:        host,
		addr:        addr,
		uri:         uri,
		out:         out,
		body:        body,
		servingSlot: servingSlot,
		final:       final,
	}
	return c.issue(req)
}

func (c *Client) issue(req *request) error {
	if c.jar != nil {
		if cookies := c.jar.Cookies(req.host, req.uri); len(cookies) > 0 {
			if err := req.out.Set("Cookie", CookieHeaderValue(cookies)); err != nil {
				c.log.Warnf("client: dropping Cookie attribute: %v", err)
			}
		}
	}
	reqBytes := protocol.BuildRequest(req.method, req.uri, req.host, req.out, req.body)
	_, err := c.r.DialClient(req.addr, reqBytes, c.onResponse, req)
	if err != nil {
		c.stack.Pop()
		return err
	}
	return nil
}

func (c *Client) onResponse(origin interface{}, status int, headers *catalog.Catalog, body []byte) {
	req := origin.(*request)

	if c.jar != nil && headers != nil {
		if raw, ok := headers.Get("Set-Cookie"); ok {
			if cookie, ok := ParseSetCookie(raw, req.host, "/"); ok {
				c.jar.SetCookies(req.host, []Cookie{cookie})
			}
		}
	}

	if headers == nil {
		// Connection-level failure (spec.md §7): the callback already
		// carries the synthesized 505, nothing to redirect.
		c.stack.Pop()
		req.final(status, body)
		return
	}

	action := protocol.RedirectDecision(req.method, status)
	if action == protocol.RedirectNone || req.redirects >= c.maxRedirects {
		c.stack.Pop()
		req.final(status, body)
		return
	}

	location, ok := headers.Get("Location")
	if !ok || location == "" {
		c.stack.Pop()
		req.final(500, nil)
		return
	}

	req.redirects++
	req.uri = location
	if action == protocol.RedirectReissueGet {
		req.method = "GET"
		req.body = nil
	}
	host, addr, err := splitHostAddr(location, req.host, req.addr)
	if err == nil {
		req.host, req.addr = host, addr
	}

	if err := c.issue(req); err != nil {
		// issue has already popped this request's frame on failure.
		req.final(500, nil)
	}
}

// splitHostAddr picks the host/addr for the next hop of a redirect. A
// Location that is a path (starts with '/') keeps the previous host/addr,
// the common same-origin case. A Location of the bare "host:port" form
// switches to that host, with location itself as the dial address. Any
// other form, including an absolute URL with a scheme, keeps the previous
// host/addr: no URL parsing is done. err is always nil.
func splitHostAddr(location, prevHost, prevAddr string) (host, addr string, err error) {
	if len(location) > 0 && location[0] == '/' {
		return prevHost, prevAddr, nil
	}
	h, _, serr := net.SplitHostPort(location)
	if serr != nil {
		return prevHost, prevAddr, nil
	}
	return h, location, nil
}
