// Package httpsclient is the blocking HTTPS request/response helper used
// during bootstrap (env/challenge/password exchange) and nowhere else. It
// owns its own TLS handshake and, when a proxy is configured, issues an
// HTTP CONNECT tunnel first. Responses are framed through the ring buffer
// in internal/ringbuf and parsed by the streaming parser in parser.go.
//
// Go's net package already multiplexes blocking I/O under deadlines, so
// this client uses SetDeadline rather than a manual readiness loop; every
// phase is bounded by a single wall-clock deadline and returns Timeout
// when it's exceeded.
package httpsclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/netdata/aclk/internal/ringbuf"
	"github.com/netdata/aclk/pkg/proxyresolve"
)

var (
	ErrConnectFailed      = fmt.Errorf("httpsclient: connect failed")
	ErrTLSHandshakeFailed = fmt.Errorf("httpsclient: TLS handshake failed")
	ErrBodyTooLarge       = fmt.Errorf("httpsclient: response body too large")
	ErrTimeout            = fmt.Errorf("httpsclient: timeout")
	ErrProxyRejected      = fmt.Errorf("httpsclient: proxy rejected CONNECT")
	ErrHeaderMalformed    = fmt.Errorf("httpsclient: malformed header")
)

const defaultMaxBodyBytes = 30 * 1024 * 1024

// Method is the request kind the client supports.
type Method string

const (
	MethodGET     Method = "GET"
	MethodPOST    Method = "POST"
	MethodCONNECT Method = "CONNECT"
)

// Request describes one blocking request/response exchange.
type Request struct {
	Method  Method
	Host    string // target host, e.g. "api.netdata.cloud"
	Port    string // defaults to 443
	Path    string // e.g. "/api/v1/env?..."
	Headers map[string]string
	Body    []byte
}

// Response is the parsed result of one exchange.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Client performs one request at a time; it is not meant to be reused
// concurrently, since the bootstrap exchange it serves is strictly
// sequential.
type Client struct {
	Proxy        *proxyresolve.Proxy
	Timeout      time.Duration
	UserAgent    string
	TLSConfig    *tls.Config // nil uses system CA trust, hostname verification on
	MaxBodyBytes int         // 0 uses defaultMaxBodyBytes
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return "netdata-aclk/1.0"
}

func (c *Client) maxBodyBytes() int {
	if c.MaxBodyBytes > 0 {
		return c.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

// Do executes one HTTPS request end to end: connect (direct or via proxy
// CONNECT), TLS handshake, send, and stream-parse the response.
func (c *Client) Do(req *Request) (*Response, error) {
	deadline := time.Now().Add(c.timeout())

	port := req.Port
	if port == "" {
		port = "443"
	}

	conn, err := c.dial(req.Host, port, deadline)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tlsConn, err := c.handshake(conn, req.Host, deadline)
	if err != nil {
		return nil, err
	}
	defer tlsConn.Close()

	if err := c.send(tlsConn, req, deadline); err != nil {
		return nil, err
	}

	return c.readResponse(tlsConn, req.Method != MethodCONNECT, deadline)
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// dial connects to the target directly, or to the proxy first when one is
// configured.
func (c *Client) dial(host, port string, deadline time.Time) (net.Conn, error) {
	dialTarget := net.JoinHostPort(host, port)
	proxied := c.Proxy != nil && c.Proxy.Type == proxyresolve.TypeHTTP
	if proxied {
		dialTarget = net.JoinHostPort(c.Proxy.Host, c.Proxy.Port)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.Dial("tcp", dialTarget)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	conn.SetDeadline(deadline)

	if !proxied {
		return conn, nil
	}

	if err := c.connectTunnel(conn, host, port, deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectTunnel issues the CONNECT handshake through an HTTP proxy: base64
// of "user:pass" goes in one Proxy-Authorization header when credentials
// are present; the response must be 200.
func (c *Client) connectTunnel(conn net.Conn, host, port string, deadline time.Time) error {
	var sb strings.Builder
	target := net.JoinHostPort(host, port)
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&sb, "Host: %s\r\n", host)
	fmt.Fprintf(&sb, "User-Agent: %s\r\n", c.userAgent())
	if c.Proxy.Creds != nil {
		basic := base64Encode([]byte(c.Proxy.Creds.User + ":" + c.Proxy.Creds.Password))
		basic = strings.ReplaceAll(basic, "\n", "")
		basic = strings.ReplaceAll(basic, "\r", "")
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", basic)
	}
	sb.WriteString("\r\n")

	if err := writeAll(conn, []byte(sb.String()), deadline); err != nil {
		return err
	}

	resp, err := c.readResponse(conn, false, deadline)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("%w: status %d", ErrProxyRejected, resp.StatusCode)
	}
	return nil
}

// handshake wraps conn in a client-mode TLS session verifying against the
// system CA pool.
func (c *Client) handshake(conn net.Conn, host string, deadline time.Time) (net.Conn, error) {
	cfg := c.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	tlsConn := tls.Client(conn, cfg)
	tlsConn.SetDeadline(deadline)
	if err := tlsConn.Handshake(); err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshakeFailed, err)
	}
	return tlsConn, nil
}

// send writes the real request line, Host/User-Agent headers, and an
// optional POST body with Content-Length.
func (c *Client) send(conn net.Conn, req *Request, deadline time.Time) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(&sb, "Host: %s\r\n", req.Host)
	fmt.Fprintf(&sb, "User-Agent: %s\r\n", c.userAgent())
	for k, v := range req.Headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	if req.Method == MethodPOST {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(req.Body))
	}
	sb.WriteString("\r\n")

	if err := writeAll(conn, []byte(sb.String()), deadline); err != nil {
		return err
	}
	if req.Method == MethodPOST && len(req.Body) > 0 {
		if err := writeAll(conn, req.Body, deadline); err != nil {
			return err
		}
	}
	return nil
}

// readResponse streams bytes into a ring buffer and drives the three-state
// parser.
func (c *Client) readResponse(conn net.Conn, hasBody bool, deadline time.Time) (*Response, error) {
	buf := ringbuf.New(16 * 1024)
	parser := newResponseParser(hasBody, c.maxBodyBytes())

	for {
		if err := parser.step(buf); err == nil {
			return &Response{
				StatusCode: parser.statusCode,
				Headers:    parser.headers,
				Body:       parser.body,
			}, nil
		} else if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		span := buf.PeekLinearWrite()
		if len(span) == 0 {
			// The ring is genuinely full with no line/content-length
			// boundary in sight yet: stateBody drains the ring as bytes
			// arrive, so this only fires while still inside the status
			// line or header block (an over-long status/header line), not
			// for a large body.
			return nil, fmt.Errorf("%w: response exceeded internal buffer", ErrParseError)
		}

		n, err := conn.Read(span)
		if n > 0 {
			buf.BumpHead(n)
		}
		if err != nil {
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
	}
}

func writeAll(conn net.Conn, data []byte, deadline time.Time) error {
	conn.SetDeadline(deadline)
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			if isTimeout(err) {
				return ErrTimeout
			}
			return fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		data = data[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
