package catalog

// Well-known header names, carried over from the teacher's header constant
// table (hdr.types_header.go) and trimmed to the set the engine itself
// reads or writes.
const (
	Connection       = "Connection"
	ContentLength    = "Content-Length"
	ContentType      = "Content-Type"
	Date             = "Date"
	Host             = "Host"
	Location         = "Location"
	TransferEncoding = "Transfer-Encoding"

	// TimeFormat is the RFC 1123-with-hardcoded-GMT format used for the
	// Date response header, identical to the teacher's hdr.TimeFormat.
	TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)
