package protocol

import (
	"bytes"
	"time"

	"github.com/arnebrasseur/ember/catalog"
)

// parseHeaderBlock splits block into CRLF-terminated lines and feeds each
// "Name: Value" pair into out, using only the first occurrence of ": " on
// the line as the separator (spec.md §4.2 step 6). Malformed lines
// (missing the separator) are skipped rather than aborting the parse.
func parseHeaderBlock(block []byte, out *catalog.Catalog) {
	for _, line := range bytes.Split(block, []byte("\r\n")) {
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		idx := bytes.Index(line, []byte(": "))
		if idx == -1 {
			continue
		}
		name := string(line[:idx])
		value := string(line[idx+2:])
		_ = out.Set(name, value)
	}
}

// rfc1123GMT formats the current time per catalog.TimeFormat, the Date
// header format the teacher's hdr package also hard-codes to GMT.
func rfc1123GMT() string {
	return time.Now().UTC().Format(catalog.TimeFormat)
}
