package protocol

import "strings"

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func unhex(b byte) byte {
	switch {
	case '0' <= b && b <= '9':
		return b - '0'
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10
	}
	return 0
}

// percentDecode decodes %XX escapes and '+' (as a space, form-encoding
// style) in place where possible, falling back to an allocation only when
// the input actually contains an escape. Round-tripping with an encoder
// that escapes every non-"safe" byte is the identity, per spec.md §8.
func percentDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			if i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
				out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
				i += 2
			} else {
				out = append(out, s[i])
			}
		case '+':
			out = append(out, ' ')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// splitQuery splits a raw query string on '&' and each pair on the first
// '=', percent-decoding both key and value, and stores them into q.
func splitQuery(raw string, q interface{ Set(string, string) error }) {
	for _, piece := range strings.Split(raw, "&") {
		if piece == "" {
			continue
		}
		key, value := piece, ""
		if idx := strings.IndexByte(piece, '='); idx >= 0 {
			key, value = piece[:idx], piece[idx+1:]
		}
		_ = q.Set(percentDecode(key), percentDecode(value))
	}
}
