package inbound

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/netdata/aclk/pkg/inflight"
)

type fakeExecutor struct {
	status  int
	headers map[string]string
	body    []byte
	err     error
}

func (f fakeExecutor) Execute(ctx context.Context, method, path string) (int, map[string]string, []byte, error) {
	return f.status, f.headers, f.body, f.err
}

type recordingPublisher struct {
	topic string
	body  []byte
}

func (p *recordingPublisher) Publish(topic string, body []byte) (uint16, error) {
	p.topic = topic
	p.body = body
	return 1, nil
}

func envelope(msgID, callbackTopic, payload string) []byte {
	return []byte(fmt.Sprintf(`{"msg-id":%q,"callback-topic":%q,"timeout":5000,"payload":%q}`, msgID, callbackTopic, payload))
}

func TestHTTPQueryHandlerSuccess(t *testing.T) {
	pub := &recordingPublisher{}
	h := &HTTPQueryHandler{
		Tracker:  inflight.New(),
		Executor: fakeExecutor{status: 200, headers: map[string]string{"Content-Type": "application/json"}, body: []byte(`{"ok":true}`)},
		Pub:      pub,
	}
	raw := envelope("m1", "callback/topic", "GET /api/v1/info HTTP/1.1\r\n\r\n")
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if pub.topic != "callback/topic" {
		t.Errorf("published to %q, want callback/topic", pub.topic)
	}
	if !bytes.Contains(pub.body, []byte(`"http-code":200`)) {
		t.Errorf("response envelope missing http-code:200, got %q", pub.body)
	}
	if !bytes.Contains(pub.body, []byte("\r\n\r\n")) {
		t.Errorf("response missing envelope/body separator")
	}
	if h.Tracker.Len() != 0 {
		t.Errorf("tracker still holds entry after Handle returned")
	}
}

func TestHTTPQueryHandlerCancelledMidFlightReturns504(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := inflight.New()
	blocking := make(chan struct{})
	h := &HTTPQueryHandler{
		Tracker: tracker,
		Executor: execFunc(func(ctx context.Context, method, path string) (int, map[string]string, []byte, error) {
			tracker.Cancel("m2")
			close(blocking)
			return 200, nil, []byte("late"), nil
		}),
		Pub: pub,
	}
	raw := envelope("m2", "callback/topic", "GET /api/v1/info HTTP/1.1\r\n\r\n")
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	<-blocking
	if !bytes.Contains(pub.body, []byte(`"http-code":504`)) {
		t.Errorf("expected 504 SND_TIMEOUT after cancellation, got %q", pub.body)
	}
}

func TestHTTPQueryHandlerQueueWaitTimeout(t *testing.T) {
	pub := &recordingPublisher{}
	h := &HTTPQueryHandler{
		Tracker:  inflight.New(),
		Executor: fakeExecutor{status: 200, body: []byte("should not run")},
		Pub:      pub,
		Now:      func() time.Time { return time.Now() },
	}
	enqueuedAt := time.Now().Add(-10 * time.Second).UnixMilli()
	raw := []byte(fmt.Sprintf(`{"msg-id":"m3","callback-topic":"cb","timeout":100,"enqueued-at":%d,"payload":"GET /x HTTP/1.1\r\n\r\n"}`, enqueuedAt))
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !bytes.Contains(pub.body, []byte(`"http-code":504`)) {
		t.Errorf("expected 504 SND_TIMEOUT for stale queued query, got %q", pub.body)
	}
}

type execFunc func(ctx context.Context, method, path string) (int, map[string]string, []byte, error)

func (f execFunc) Execute(ctx context.Context, method, path string) (int, map[string]string, []byte, error) {
	return f(ctx, method, path)
}

// rejectOncePublisher rejects its first Publish with ErrTooBigForServer and
// records whatever gets published afterward.
type rejectOncePublisher struct {
	rejected bool
	topic    string
	body     []byte
}

func (p *rejectOncePublisher) Publish(topic string, body []byte) (uint16, error) {
	if !p.rejected {
		p.rejected = true
		return 0, ErrTooBigForServer
	}
	p.topic = topic
	p.body = body
	return 1, nil
}

func TestHTTPQueryHandlerTooBigFallsBackToReqReplyTooBig(t *testing.T) {
	pub := &rejectOncePublisher{}
	h := &HTTPQueryHandler{
		Tracker:  inflight.New(),
		Executor: fakeExecutor{status: 200, headers: map[string]string{"Content-Type": "application/json"}, body: []byte(`{"ok":true}`)},
		Pub:      pub,
	}
	raw := envelope("m4", "callback/topic", "GET /api/v1/info HTTP/1.1\r\n\r\n")
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if pub.topic != "callback/topic" {
		t.Errorf("retry published to %q, want callback/topic", pub.topic)
	}
	if !bytes.Contains(pub.body, []byte(`"http-code":403`)) {
		t.Errorf("expected 403 fallback reply, got %q", pub.body)
	}
	if !bytes.Contains(pub.body, []byte("REQ_REPLY_TOO_BIG")) {
		t.Errorf("expected REQ_REPLY_TOO_BIG in fallback reply, got %q", pub.body)
	}
}
