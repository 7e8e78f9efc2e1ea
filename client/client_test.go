package client

import (
	"testing"

	"github.com/arnebrasseur/ember/catalog"
	"github.com/arnebrasseur/ember/protocol"
)

// fakeDialer records each DialClient call and lets the test script
// responses back through the captured callback, the way the teacher's
// recordingTransport fakes RoundTrip in tests/utils_clientserver.go.
type fakeDialer struct {
	calls []dialCall
}

type dialCall struct {
	addr string
	req  []byte
	cb   protocol.ClientResponseFunc
	origin interface{}
}

func (f *fakeDialer) DialClient(addr string, requestBytes []byte, cb protocol.ClientResponseFunc, origin interface{}) (int, error) {
	f.calls = append(f.calls, dialCall{addr: addr, req: requestBytes, cb: cb, origin: origin})
	return len(f.calls) - 1, nil
}

func TestDoDeliversFinalResponseWithNoRedirect(t *testing.T) {
	fd := &fakeDialer{}
	c := New(fd, nil, nil)

	var gotStatus int
	var gotBody []byte
	err := c.Do(-1, "GET", "example.com:80", "example.com", "/", catalog.New(8), nil, func(status int, body []byte) {
		gotStatus, gotBody = status, body
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("dial calls = %d, want 1", len(fd.calls))
	}

	headers := catalog.New(8)
	fd.calls[0].cb(fd.calls[0].origin, 200, headers, []byte("ok"))

	if gotStatus != 200 || string(gotBody) != "ok" {
		t.Fatalf("got status=%d body=%q", gotStatus, gotBody)
	}
	if c.stack.Depth() != 0 {
		t.Fatalf("stack depth = %d, want 0 after completion", c.stack.Depth())
	}
}

func TestDoFollowsRedirectToLocation(t *testing.T) {
	fd := &fakeDialer{}
	c := New(fd, nil, nil)

	var gotStatus int
	err := c.Do(-1, "GET", "example.com:80", "example.com", "/old", catalog.New(8), nil, func(status int, body []byte) {
		gotStatus = status
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	redirectHeaders := catalog.New(8)
	if err := redirectHeaders.Set("Location", "/new"); err != nil {
		t.Fatal(err)
	}
	fd.calls[0].cb(fd.calls[0].origin, 302, redirectHeaders, nil)

	if len(fd.calls) != 2 {
		t.Fatalf("dial calls = %d, want 2 after redirect", len(fd.calls))
	}
	if fd.calls[1].addr != "example.com:80" {
		t.Fatalf("redirect addr = %q, want same host", fd.calls[1].addr)
	}

	finalHeaders := catalog.New(8)
	fd.calls[1].cb(fd.calls[1].origin, 200, finalHeaders, nil)

	if gotStatus != 200 {
		t.Fatalf("gotStatus = %d, want 200 after following redirect", gotStatus)
	}
}

func TestDoRejectsRedirectMissingLocation(t *testing.T) {
	fd := &fakeDialer{}
	c := New(fd, nil, nil)

	var gotStatus int
	err := c.Do(-1, "GET", "example.com:80", "example.com", "/old", catalog.New(8), nil, func(status int, body []byte) {
		gotStatus = status
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	fd.calls[0].cb(fd.calls[0].origin, 302, catalog.New(8), nil)

	if gotStatus != 500 {
		t.Fatalf("gotStatus = %d, want 500 for missing Location", gotStatus)
	}
}

func TestStackRejectsThirdNestedLevel(t *testing.T) {
	var s Stack
	if err := s.Push(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(2); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(3); err != ErrStackFull {
		t.Fatalf("err = %v, want ErrStackFull", err)
	}
}

func TestParseSetCookieAttributes(t *testing.T) {
	c, ok := ParseSetCookie("session=abc123; Path=/; Secure; Max-Age=3600", "example.com", "/")
	if !ok {
		t.Fatal("expected ParseSetCookie to succeed")
	}
	if c.Name != "session" || c.Value != "abc123" || !c.Secure || c.MaxAge != 3600 {
		t.Fatalf("unexpected cookie: %+v", c)
	}
}
