// Package client implements the outbound-request helpers described in
// spec.md §3 and §4.2: a depth-limited context stack so a handler can
// issue a nested request while serving one, and the 4xx/5xx redirect
// helper that replays a request's saved attributes against a new
// Location.
//
// The cookie jar below is adapted from the teacher's cli/cookie_entry.go
// domain/path-match rules (RFC 6265 §5.1.3/§5.1.4), rehomed onto this
// library's own Cookie/Jar shape instead of net/url.URL-keyed storage.
package client

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cookie is a parsed Set-Cookie attribute, trimmed to the fields this
// adapter's jar and serializer use.
type Cookie struct {
	Name, Value string
	Domain      string
	Path        string
	Expires     time.Time
	MaxAge      int
	Secure      bool
	HostOnly    bool
}

// String serializes c for use in an outgoing Cookie attribute.
func (c Cookie) String() string {
	return fmt.Sprintf("%s=%s", c.Name, c.Value)
}

func (c Cookie) expired(now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// domainMatch implements RFC 6265 §5.1.3.
func (c Cookie) domainMatch(host string) bool {
	if c.Domain == host {
		return true
	}
	return !c.HostOnly && strings.HasSuffix(host, "."+c.Domain)
}

// pathMatch implements RFC 6265 §5.1.4.
func (c Cookie) pathMatch(path string) bool {
	if path == c.Path {
		return true
	}
	if !strings.HasPrefix(path, c.Path) {
		return false
	}
	if c.Path != "" && c.Path[len(c.Path)-1] == '/' {
		return true
	}
	return len(path) > len(c.Path) && path[len(c.Path)] == '/'
}

// Jar is an in-memory cookie store keyed by host, the same scope the
// teacher's cli.Jar uses (plus public-suffix handling this adapter
// deliberately omits: spec.md's Non-goals exclude multi-tenant browser
// semantics).
type Jar struct {
	mu      sync.Mutex
	byHost  map[string][]Cookie
}

// NewJar returns an empty cookie jar.
func NewJar() *Jar {
	return &Jar{byHost: make(map[string][]Cookie)}
}

// SetCookies records cookies parsed from a response's Set-Cookie
// attributes, replacing any existing cookie with the same name.
func (j *Jar) SetCookies(host string, cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	existing := j.byHost[host]
	for _, nc := range cookies {
		replaced := false
		for i := range existing {
			if existing[i].Name == nc.Name {
				existing[i] = nc
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, nc)
		}
	}
	j.byHost[host] = existing
}

// Cookies returns the cookies applicable to a request against host/path,
// skipping anything expired.
func (j *Jar) Cookies(host, path string) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	var out []Cookie
	for _, cookies := range j.byHost {
		for _, c := range cookies {
			if c.expired(now) {
				continue
			}
			if c.domainMatch(host) && c.pathMatch(path) {
				out = append(out, c)
			}
		}
	}
	return out
}

// ParseSetCookie parses a single Set-Cookie attribute value into a
// Cookie, grounded on the teacher's cookie_entry.go attribute handling
// (domain/path/secure/max-age), trimmed to what this adapter's jar needs.
// defaultDomain is used as the cookie's Domain when none is specified,
// making it host-only per RFC 6265 §5.3 step 6.
func ParseSetCookie(raw, defaultDomain, defaultPath string) (Cookie, bool) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return Cookie{}, false
	}
	nv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(nv) != 2 || nv[0] == "" {
		return Cookie{}, false
	}
	c := Cookie{
		Name:     strings.TrimSpace(nv[0]),
		Value:    strings.TrimSpace(nv[1]),
		Domain:   defaultDomain,
		Path:     defaultPath,
		HostOnly: true,
	}
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		kv := strings.SplitN(attr, "=", 2)
		key := strings.ToLower(kv[0])
		var val string
		if len(kv) == 2 {
			val = kv[1]
		}
		switch key {
		case "domain":
			if val != "" {
				c.Domain = strings.TrimPrefix(val, ".")
				c.HostOnly = false
			}
		case "path":
			if val != "" {
				c.Path = val
			}
		case "secure":
			c.Secure = true
		case "max-age":
			// Best-effort; an unparsable Max-Age is treated as absent.
			if n, err := parsePositiveOrNegativeInt(val); err == nil {
				c.MaxAge = n
			}
		}
	}
	return c, true
}

func parsePositiveOrNegativeInt(s string) (int, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg, s = true, s[1:]
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("client: invalid integer %q", s)
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// CookieHeaderValue joins cookies the way they're sent in a single
// request-line Cookie attribute (RFC 6265 §5.4: one header, semicolon
// separated).
func CookieHeaderValue(cookies []Cookie) string {
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}
