package transport

import (
	"testing"

	"github.com/netdata/aclk/pkg/proxyresolve"
)

func TestNewHasEmptyChannels(t *testing.T) {
	c := New(nil)
	if c.IsConnected() {
		t.Fatalf("fresh client should not report connected")
	}
	select {
	case <-c.Received():
		t.Fatalf("expected no buffered received messages")
	default:
	}
	select {
	case <-c.PubAcks():
		t.Fatalf("expected no buffered pub acks")
	default:
	}
}

func TestBasicAuthEncodesUserPass(t *testing.T) {
	got := basicAuth("alice", "s3cret")
	want := "YWxpY2U6czNjcmV0"
	if got != want {
		t.Fatalf("basicAuth() = %q, want %q", got, want)
	}
}

func TestProxyHeadersNilWithoutCreds(t *testing.T) {
	p := &proxyresolve.Proxy{Type: proxyresolve.TypeHTTP, Host: "proxy.example", Port: "3128"}
	if h := proxyHeaders(p); h != nil {
		t.Fatalf("expected nil headers without credentials, got %v", h)
	}
}

func TestProxyHeadersSetWithCreds(t *testing.T) {
	p := &proxyresolve.Proxy{
		Type:  proxyresolve.TypeHTTP,
		Host:  "proxy.example",
		Port:  "3128",
		Creds: &proxyresolve.Credentials{User: "u", Password: "p"},
	}
	h := proxyHeaders(p)
	vals, ok := h["Proxy-Authorization"]
	if !ok || len(vals) != 1 {
		t.Fatalf("expected one Proxy-Authorization header, got %v", h)
	}
	if vals[0] != "Basic "+basicAuth("u", "p") {
		t.Fatalf("got %q", vals[0])
	}
}

func TestDisconnectOnUnconnectedClientIsNoOp(t *testing.T) {
	c := New(nil)
	c.Disconnect(0)
}

func TestServiceOnUnconnectedClientErrors(t *testing.T) {
	c := New(nil)
	if err := c.Service(0); err == nil {
		t.Fatalf("expected error for unconnected client")
	}
}
