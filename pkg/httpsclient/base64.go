package httpsclient

import "strings"

// base64Alphabet is the standard (RFC 4648) alphabet used throughout the
// bootstrap exchange (challenge ciphertext, proxy Basic auth, OTP
// plaintext).
const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64DecodeTable = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i, c := range base64Alphabet {
		t[c] = int8(i)
	}
	return t
}()

// base64Encode encodes data without any line wrapping.
func base64Encode(data []byte) string {
	var sb strings.Builder
	sb.Grow((len(data) + 2) / 3 * 4)
	for i := 0; i < len(data); i += 3 {
		var b0, b1, b2 byte
		n := len(data) - i
		b0 = data[i]
		if n > 1 {
			b1 = data[i+1]
		}
		if n > 2 {
			b2 = data[i+2]
		}
		sb.WriteByte(base64Alphabet[b0>>2])
		sb.WriteByte(base64Alphabet[(b0&0x03)<<4|(b1>>4)])
		if n > 1 {
			sb.WriteByte(base64Alphabet[(b1&0x0F)<<2|(b2>>6)])
		} else {
			sb.WriteByte('=')
		}
		if n > 2 {
			sb.WriteByte(base64Alphabet[b2&0x3F])
		} else {
			sb.WriteByte('=')
		}
	}
	return sb.String()
}

// Base64Encode is the exported form of base64Encode, for collaborators
// outside this package (bootstrap's challenge/response exchange) that need
// the same non-wrapping encoder the HTTPS client uses internally.
func Base64Encode(data []byte) string { return base64Encode(data) }

// Base64Decode is the exported, non-validating form of base64Decode.
func Base64Decode(s string) ([]byte, error) { return base64Decode(s) }

// base64Decode is non-validating: it skips whitespace/newlines, tolerates a
// missing final padding, and only honors '=' padding in the final quantum.
func base64Decode(s string) ([]byte, error) {
	var clean []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' || c == '\n' || c == ' ' || c == '\t' {
			continue
		}
		clean = append(clean, c)
	}
	// Trim trailing '=' padding; we reconstruct length from quantum count.
	end := len(clean)
	for end > 0 && clean[end-1] == '=' {
		end--
	}
	data := clean[:end]

	out := make([]byte, 0, len(data)*3/4+3)
	var acc uint32
	var bits int
	for _, c := range data {
		v := base64DecodeTable[c]
		if v < 0 {
			continue // non-validating: silently skip unrecognized bytes
		}
		acc = acc<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>uint(bits)))
		}
	}
	return out, nil
}
