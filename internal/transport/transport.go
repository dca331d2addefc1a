// Package transport adapts github.com/eclipse/paho.mqtt.golang to the
// narrow contract the event loop depends on: connect/subscribe/publish/
// disconnect plus a bounded service call. Paho itself runs its network
// loop on background goroutines and delivers messages via callbacks; this
// adapter funnels those callbacks onto channels so the event loop can
// keep its own single-threaded dispatch shape without blocking inside a
// callback.
package transport

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/netdata/aclk/pkg/proxyresolve"
)

// QoS is restricted to what the wire protocol actually uses: QoS 1 for
// every publish, per the transport contract.
const QoS1 = byte(1)

// PublishedMessage is one inbound publish delivered to a subscribed topic.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// ConnectParams carries everything mqtt_connect needs: credentials, LWT,
// and keep-alive, matching the transport contract in full.
type ConnectParams struct {
	BrokerURL string // e.g. wss://cloud.example:443/mqtt
	ClientID  string
	Username  string
	Password  string
	WillTopic string
	WillBody  []byte
	WillQoS   byte
	KeepAlive time.Duration
	TLSConfig *tls.Config
	Proxy     *proxyresolve.Proxy
}

// Client wraps a paho.Client for one ACLK connection attempt. A fresh
// Client is built for every connect; the previous one's resources are
// torn down in full, matching the "environment descriptor rebuilt on
// every reconnection attempt" rule the rest of the core follows.
type Client struct {
	paho paho.Client

	received chan PublishedMessage
	pubAcks  chan uint16

	onLog func(msg string, kv ...interface{})
}

// New builds a not-yet-connected Client. onLog, when non-nil, receives
// Paho's own internal log lines (disabled by default: Paho's global
// loggers are process-wide and ACLK's event loop owns its own structured
// logger instead).
func New(onLog func(msg string, kv ...interface{})) *Client {
	return &Client{
		received: make(chan PublishedMessage, 256),
		pubAcks:  make(chan uint16, 256),
		onLog:    onLog,
	}
}

// Connect dials the broker with the given params, arming the LWT and
// wiring Paho's callbacks onto this Client's channels. clean_session is
// always false: ACLK wants a persistent client id across reconnects so
// queued QoS-1 messages aren't silently dropped by the broker.
func (c *Client) Connect(timeout time.Duration, p ConnectParams) error {
	opts := paho.NewClientOptions().AddBroker(p.BrokerURL)
	opts.SetClientID(p.ClientID)
	opts.SetUsername(p.Username)
	opts.SetPassword(p.Password)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(p.KeepAlive)
	opts.SetAutoReconnect(false) // the connection lifecycle owns reconnection, not Paho
	opts.SetConnectTimeout(timeout)

	if p.TLSConfig != nil {
		opts.SetTLSConfig(p.TLSConfig)
	}
	if p.WillTopic != "" {
		opts.SetBinaryWill(p.WillTopic, p.WillBody, p.WillQoS, false)
	}
	if p.Proxy != nil && p.Proxy.Type == proxyresolve.TypeHTTP {
		opts.SetHTTPHeaders(proxyHeaders(p.Proxy))
	}

	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		select {
		case c.received <- PublishedMessage{Topic: msg.Topic(), Payload: msg.Payload(), QoS: msg.Qos()}:
		default:
			// Event loop fell behind draining received; drop rather than
			// block Paho's internal goroutine.
		}
	})
	opts.SetOnConnectHandler(func(paho.Client) {})

	cl := paho.NewClient(opts)
	token := cl.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("transport: connect timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: connect failed: %w", err)
	}
	c.paho = cl
	return nil
}

func proxyHeaders(p *proxyresolve.Proxy) map[string][]string {
	if p.Creds == nil {
		return nil
	}
	return map[string][]string{
		"Proxy-Authorization": {"Basic " + basicAuth(p.Creds.User, p.Creds.Password)},
	}
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// Subscribe subscribes to topic at QoS 1, the only QoS the wire protocol
// uses.
func (c *Client) Subscribe(topic string) error {
	token := c.paho.Subscribe(topic, QoS1, nil)
	token.Wait()
	return token.Error()
}

// Publish sends body on topic at QoS 1 and returns the packet id Paho
// assigned, for correlation with the PUBACK delivered on PubAcks().
func (c *Client) Publish(topic string, body []byte) (uint16, error) {
	token := c.paho.Publish(topic, QoS1, false, body)
	pt, ok := token.(*paho.PublishToken)
	token.Wait()
	if err := token.Error(); err != nil {
		return 0, fmt.Errorf("transport: publish failed: %w", err)
	}
	var packetID uint16
	if ok {
		packetID = pt.MessageID()
	}
	select {
	case c.pubAcks <- packetID:
	default:
	}
	return packetID, nil
}

// Received exposes the channel of inbound publishes for the event loop
// to drain.
func (c *Client) Received() <-chan PublishedMessage { return c.received }

// PubAcks exposes the channel of PUBACK packet ids for the connection
// lifecycle's PUBACK-count backoff reset.
func (c *Client) PubAcks() <-chan uint16 { return c.pubAcks }

// Service blocks up to timeout waiting for the connection to still be
// open, mirroring the transport contract's single blocking call; Paho
// itself runs its network loop on its own goroutines; this call exists so
// the event loop has one place to notice a dropped connection between
// timer ticks.
func (c *Client) Service(timeout time.Duration) error {
	if c.paho == nil || !c.paho.IsConnectionOpen() {
		return fmt.Errorf("transport: connection not open")
	}
	time.Sleep(timeout)
	if !c.paho.IsConnectionOpen() {
		return fmt.Errorf("transport: connection dropped")
	}
	return nil
}

// Disconnect sends a graceful disconnect and waits up to timeout for it
// to flush, matching disconnect(timeout_ms) in the transport contract.
func (c *Client) Disconnect(timeout time.Duration) {
	if c.paho == nil {
		return
	}
	c.paho.Disconnect(uint(timeout.Milliseconds()))
}

// IsConnected reports whether the underlying client still considers
// itself connected.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnectionOpen()
}
