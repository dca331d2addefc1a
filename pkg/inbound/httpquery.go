package inbound

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/compression"
	"github.com/netdata/aclk/pkg/inflight"
)

// maxResponseBodyBytes caps a response body before it's ever published
// (spec §4.I step 4 / §5 resource caps).
const maxResponseBodyBytes = 30 * 1024 * 1024

// ErrTooBigForServer is the distinguished "too big for server" rejection
// the transport contract (spec §6 item 5) reports for an oversize publish;
// the inbound layer maps it to the REQ_REPLY_TOO_BIG/403 outcome described
// in spec §4.I step 6.
var ErrTooBigForServer = fmt.Errorf("inbound: message too big for server")

// Executor runs a decoded GET request against the agent's local HTTP API
// surface. It stands in for the external web-query collaborator the
// real core delegates to; ACLK only frames the request/response.
type Executor interface {
	Execute(ctx context.Context, method, path string) (status int, headers map[string]string, body []byte, err error)
}

// Publisher publishes one already-framed message to a topic at QoS 1.
type Publisher interface {
	Publish(topic string, body []byte) (packetID uint16, err error)
}

// HTTPQueryHandler implements the hardest inbound path (spec §4.I): decode
// the envelope, register/unregister the in-flight tracker entry, honor
// queue-wait timeouts and mid-flight cancellation, execute, cap and
// optionally gzip the body, and publish the framed response.
type HTTPQueryHandler struct {
	Tracker  *inflight.Tracker
	Executor Executor
	Pub      Publisher
	Log      aclk.Logger
	Now      func() time.Time // overridable for tests
}

func (h *HTTPQueryHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Handle decodes raw as the HTTP-query-request v2 envelope and drives it
// to completion. The legacy "cmd" dispatch entry passes its raw payload
// straight to Handle, so it is decoded as this same v2 envelope (spec
// §4.I: "decode and treat as HTTP-query-request v2").
func (h *HTTPQueryHandler) Handle(ctx context.Context, raw []byte) error {
	root := gjson.ParseBytes(raw)
	msgID := root.Get("msg-id").String()
	callbackTopic := root.Get("callback-topic").String()
	timeoutMS := root.Get("timeout").Int()
	payload := root.Get("payload").String()
	acceptEncoding := root.Get("accept-encoding").String()
	enqueuedAtMS := root.Get("enqueued-at").Int() // epoch ms the query entered the queue, if the producer set it

	if msgID == "" || callbackTopic == "" {
		return fmt.Errorf("inbound: http-query envelope missing msg-id/callback-topic")
	}

	h.Tracker.Add(msgID)
	defer h.Tracker.Remove(msgID)

	tRx := h.now()

	if enqueuedAtMS > 0 && timeoutMS > 0 {
		waited := tRx.Sub(time.UnixMilli(enqueuedAtMS))
		if waited > time.Duration(timeoutMS)*time.Millisecond {
			return h.respondCode(callbackTopic, msgID, tRx, 504, "SND_TIMEOUT")
		}
	}

	method, path, ok := parseRequestLine(payload)
	if !ok || method != "GET" {
		return h.respondCode(callbackTopic, msgID, tRx, 400, "BAD_REQUEST")
	}

	if h.Tracker.IsCancelled(msgID) {
		return h.respondCode(callbackTopic, msgID, tRx, 504, "SND_TIMEOUT")
	}

	status, headers, body, err := h.Executor.Execute(ctx, method, path)
	if err != nil {
		return h.respondCode(callbackTopic, msgID, tRx, 500, "EXEC_ERROR")
	}

	// Re-check cancellation at the next safe point, per spec §4.H: a
	// worker "checks cancelled at safe points to abort."
	if h.Tracker.IsCancelled(msgID) {
		return h.respondCode(callbackTopic, msgID, tRx, 504, "SND_TIMEOUT")
	}

	if len(body) > maxResponseBodyBytes {
		return h.publish(callbackTopic, msgID, tRx, 413,
			map[string]string{"Content-Type": "text/plain"}, []byte("response body too large"))
	}

	if strings.Contains(strings.ToLower(acceptEncoding), "gzip") {
		gz, gzErr := compression.Gzip(body)
		if gzErr != nil {
			return h.respondCode(callbackTopic, msgID, tRx, 500, "ZLIB_ERROR")
		}
		body = gz
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Encoding"] = "gzip"
	}

	return h.publish(callbackTopic, msgID, tRx, status, headers, body)
}

// parseRequestLine extracts the method and path from a payload whose
// content begins with an HTTP/1.1 request line, e.g. "GET /api/v1/info
// HTTP/1.1\r\n...". Only GET is ever valid here (spec §4.I).
func parseRequestLine(payload string) (method, path string, ok bool) {
	idx := strings.Index(payload, "GET ")
	if idx < 0 {
		return "", "", false
	}
	rest := payload[idx+len("GET "):]
	end := strings.IndexAny(rest, " \r\n")
	if end < 0 {
		return "", "", false
	}
	return "GET", rest[:end], true
}

func (h *HTTPQueryHandler) respondCode(topic, msgID string, tRx time.Time, httpCode int, errorCode string) error {
	body := []byte(fmt.Sprintf(`{"error":%q}`, errorCode))
	return h.publish(topic, msgID, tRx, httpCode, map[string]string{"Content-Type": "application/json"}, body)
}

// publish builds the wire framing: a JSON envelope, the literal separator
// "\r\n\r\n", then the raw (optionally already-gzipped) HTTP response,
// itself a header block followed by a blank line and the body.
func (h *HTTPQueryHandler) publish(topic, msgID string, tRx time.Time, httpCode int, headers map[string]string, body []byte) error {
	var headerBlock bytes.Buffer
	for k, v := range headers {
		fmt.Fprintf(&headerBlock, "%s: %s\r\n", k, v)
	}

	envelope := fmt.Sprintf(`{"type":"http","msg-id":%q,"t-exec":%d,"t-rx":%d,"http-code":%d}`,
		msgID, time.Since(tRx).Milliseconds(), tRx.UnixMilli(), httpCode)

	framed := make([]byte, 0, len(envelope)+4+headerBlock.Len()+2+len(body))
	framed = append(framed, envelope...)
	framed = append(framed, "\r\n\r\n"...)
	framed = append(framed, headerBlock.Bytes()...)
	framed = append(framed, "\r\n"...)
	framed = append(framed, body...)

	_, err := h.Pub.Publish(topic, framed)
	if err == ErrTooBigForServer {
		if h.Log != nil {
			h.Log.Warn("inbound: http-query response rejected as too big for server, sending REQ_REPLY_TOO_BIG", "msg_id", msgID, "topic", topic)
		}
		return h.publishTooBig(topic, msgID, tRx)
	}
	return err
}

// publishTooBig sends the compact 403/REQ_REPLY_TOO_BIG reply the broker
// rejected the original response in favor of (spec §4.I step 6). It builds
// its own minimal envelope rather than recursing through publish, so a
// broker that somehow still rejects this tiny reply can't loop forever:
// that case is logged and swallowed instead of retried again.
func (h *HTTPQueryHandler) publishTooBig(topic, msgID string, tRx time.Time) error {
	body := []byte(`{"error":"REQ_REPLY_TOO_BIG"}`)
	envelope := fmt.Sprintf(`{"type":"http","msg-id":%q,"t-exec":%d,"t-rx":%d,"http-code":403}`,
		msgID, time.Since(tRx).Milliseconds(), tRx.UnixMilli())

	framed := make([]byte, 0, len(envelope)+4+len("Content-Type: application/json\r\n")+2+len(body))
	framed = append(framed, envelope...)
	framed = append(framed, "\r\n\r\n"...)
	framed = append(framed, "Content-Type: application/json\r\n"...)
	framed = append(framed, "\r\n"...)
	framed = append(framed, body...)

	_, err := h.Pub.Publish(topic, framed)
	if err == ErrTooBigForServer {
		if h.Log != nil {
			h.Log.Warn("inbound: REQ_REPLY_TOO_BIG reply itself rejected as too big, dropping", "msg_id", msgID, "topic", topic)
		}
		return nil
	}
	return err
}
