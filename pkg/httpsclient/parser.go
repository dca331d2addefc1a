package httpsclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netdata/aclk/internal/ringbuf"
)

// ErrNeedMoreData and ErrParseError are the two non-terminal/terminal
// outcomes of one parse attempt over a partially-filled buffer.
var (
	ErrNeedMoreData = fmt.Errorf("httpsclient: need more data")
	ErrParseError   = fmt.Errorf("httpsclient: malformed HTTP response")
)

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

// responseParser is a three-state streaming parser: status-line -> headers
// -> body, advancing only as far as the buffered bytes allow and reporting
// ErrNeedMoreData otherwise.
type responseParser struct {
	state         parseState
	statusCode    int
	headers       map[string]string
	contentLength int
	hasBody       bool // false for CONNECT responses, which have no body
	body          []byte
	bodyReceived  int // bytes of body popped out of buf so far
	maxBodyBytes  int
}

func newResponseParser(hasBody bool, maxBodyBytes int) *responseParser {
	return &responseParser{
		state:        stateStatusLine,
		headers:      make(map[string]string),
		hasBody:      hasBody,
		maxBodyBytes: maxBodyBytes,
	}
}

// step attempts to advance the parser as far as buf's contents allow. It
// returns ErrNeedMoreData when progress requires bytes not yet received, or
// ErrParseError on a malformed status line or header. On success with
// state == stateDone, the caller has received (status, headers, body).
func (p *responseParser) step(buf *ringbuf.Buffer) error {
	for {
		switch p.state {
		case stateStatusLine:
			line, ok := readLine(buf)
			if !ok {
				return ErrNeedMoreData
			}
			code, err := parseStatusLine(line)
			if err != nil {
				return err
			}
			p.statusCode = code
			p.state = stateHeaders

		case stateHeaders:
			line, ok := readLine(buf)
			if !ok {
				return ErrNeedMoreData
			}
			if line == "" {
				// blank line terminates the header block
				if cl, ok := p.headers["content-length"]; ok {
					n, err := strconv.Atoi(strings.TrimSpace(cl))
					if err != nil || n < 0 {
						return fmt.Errorf("%w: bad content-length %q", ErrParseError, cl)
					}
					p.contentLength = n
				}
				if !p.hasBody || p.contentLength == 0 {
					p.state = stateDone
					return nil
				}
				if p.maxBodyBytes > 0 && p.contentLength > p.maxBodyBytes {
					return fmt.Errorf("%w: content-length %d exceeds cap %d", ErrBodyTooLarge, p.contentLength, p.maxBodyBytes)
				}
				p.state = stateBody
				continue
			}
			key, val, err := parseHeaderLine(line)
			if err != nil {
				return err
			}
			p.headers[strings.ToLower(key)] = val

		case stateBody:
			// Stream the body out of the ring incrementally rather than
			// waiting for the whole content-length to be resident at once:
			// the ring is fixed-capacity (16 KiB) and content-length can
			// exceed that for realistic responses, so draining as bytes
			// arrive is what keeps the ring from ever reporting itself full
			// before the body is complete.
			if p.body == nil {
				p.body = make([]byte, p.contentLength)
			}
			if p.bodyReceived < p.contentLength {
				p.bodyReceived += buf.Pop(p.body[p.bodyReceived:])
			}
			if p.bodyReceived < p.contentLength {
				return ErrNeedMoreData
			}
			p.state = stateDone
			return nil

		case stateDone:
			return nil
		}
	}
}

// readLine pops a single CRLF-terminated line (without the CRLF) off buf,
// or reports false if no full line is buffered yet.
func readLine(buf *ringbuf.Buffer) (string, bool) {
	idx := buf.Find([]byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := make([]byte, idx)
	buf.Pop(line)
	discard := make([]byte, 2)
	buf.Pop(discard)
	return string(line), true
}

// parseStatusLine validates "HTTP/1.1 <3-digit code> <reason>" with the
// code in [100, 599].
func parseStatusLine(line string) (int, error) {
	const prefix = "HTTP/1.1 "
	if !strings.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("%w: bad status line %q", ErrParseError, line)
	}
	rest := line[len(prefix):]
	if len(rest) < 3 {
		return 0, fmt.Errorf("%w: bad status line %q", ErrParseError, line)
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("%w: bad status code in %q", ErrParseError, line)
	}
	return code, nil
}

func parseHeaderLine(line string) (key, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("%w: bad header line %q", ErrHeaderMalformed, line)
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", fmt.Errorf("%w: empty header key in %q", ErrHeaderMalformed, line)
	}
	return key, value, nil
}
