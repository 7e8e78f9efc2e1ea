package protocol

import (
	"bytes"
	"strconv"

	"github.com/arnebrasseur/ember/catalog"
)

// BuildRequest serializes an outbound request preamble the way
// buildSuccessResponse serializes a response: request line, a Host header
// derived from host, every attribute in out, an explicit Content-Length,
// a blank line, then body. This is the client-role mirror of spec.md
// §4.2 step 9's "Emit response."
func BuildRequest(method, uri, host string, out *catalog.Catalog, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(uri)
	buf.WriteString(" HTTP/1.1\r\n")
	buf.WriteString("Host: ")
	buf.WriteString(host)
	buf.WriteString("\r\n")
	if out != nil {
		out.Each(func(name, value string) {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(value)
			buf.WriteString("\r\n")
		})
	}
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(body)
	return buf.Bytes()
}
