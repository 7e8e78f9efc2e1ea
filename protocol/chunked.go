package protocol

import (
	"bytes"
	"errors"
)

var (
	errInvalidChunkSize         = errors.New("protocol: invalid byte in chunk length")
	errChunkTooLarge            = errors.New("protocol: chunk length too large")
	errMalformedChunkTerminator = errors.New("protocol: malformed chunk terminator")
)

// decodeChunkedInPlace parses a chunked-transfer-encoded payload per
// spec.md §4.2 step 7: "only fully-received payloads are accepted at this
// revision." It returns the concatenated chunk data, the bytes following
// the terminating zero-length chunk (normally none), and whether the
// whole payload was present.
//
// ok is false either because data ends before the terminating chunk is
// seen (need more bytes: err is nil) or because the chunked framing itself
// is malformed (garbage chunk-size line or terminator: err is non-nil).
// Callers must tell these apart: the former waits for more input, the
// latter closes the connection per spec.md §7 rather than stalling on a
// peer that will never send a valid continuation.
func decodeChunkedInPlace(data []byte) (decoded []byte, rest []byte, ok bool, err error) {
	var out []byte
	i := 0
	for {
		lineEnd := bytes.IndexByte(data[i:], '\n')
		if lineEnd == -1 {
			return nil, nil, false, nil
		}
		lineEnd += i
		sizeLine := bytes.TrimRight(data[i:lineEnd], "\r\n")
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi] // strip chunk-extension
		}
		size, perr := parseHexUint(sizeLine)
		if perr != nil {
			return nil, nil, false, perr
		}
		i = lineEnd + 1

		if size == 0 {
			// Terminating chunk: consume the trailer section's closing
			// CRLF (no trailer headers supported at this revision) and
			// stop.
			switch {
			case i+1 < len(data) && data[i] == '\r' && data[i+1] == '\n':
				i += 2
			case i < len(data) && data[i] == '\n':
				i++
			case i >= len(data):
				return nil, nil, false, nil // trailer terminator not in yet
			case i+1 == len(data) && data[i] == '\r':
				return nil, nil, false, nil // only the CR of the terminator is in
			default:
				return nil, nil, false, errMalformedChunkTerminator
			}
			return out, data[i:], true, nil
		}

		if i+int(size)+2 > len(data) {
			return nil, nil, false, nil
		}
		out = append(out, data[i:i+int(size)]...)
		i += int(size)
		// chunk data is followed by CRLF; the bounds check above guarantees
		// these bytes are present, so a mismatch here is malformed framing,
		// not missing data.
		if i+1 < len(data) && data[i] == '\r' && data[i+1] == '\n' {
			i += 2
		} else if i < len(data) && data[i] == '\n' {
			i++
		} else {
			return nil, nil, false, errMalformedChunkTerminator
		}
	}
}

func parseHexUint(v []byte) (uint64, error) {
	var n uint64
	for i, b := range v {
		var d byte
		switch {
		case '0' <= b && b <= '9':
			d = b - '0'
		case 'a' <= b && b <= 'f':
			d = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			d = b - 'A' + 10
		default:
			return 0, errInvalidChunkSize
		}
		if i == 16 {
			return 0, errChunkTooLarge
		}
		n <<= 4
		n |= uint64(d)
	}
	if len(v) == 0 {
		return 0, errInvalidChunkSize
	}
	return n, nil
}
