// Package link owns the connection lifecycle state machine (spec §4.K):
// the loop that waits for a claim, runs backoff, bootstraps, connects the
// transport, serves until told to stop, and disconnects gracefully before
// looping again. It is the glue package: everything else (bootstrap,
// backoff, topiccache, encode, outqueue, inflight, inbound, eventloop,
// transport) is a dependency it wires together, grounded on the same
// channel/select "Start(ctx) error" shape the teacher's worker loop uses
// (internal/engine/worker.go).
package link

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/backoff"
	"github.com/netdata/aclk/pkg/bootstrap"
	"github.com/netdata/aclk/pkg/encode"
	"github.com/netdata/aclk/pkg/eventloop"
	"github.com/netdata/aclk/pkg/identity"
	"github.com/netdata/aclk/pkg/inbound"
	"github.com/netdata/aclk/pkg/inflight"
	"github.com/netdata/aclk/pkg/outqueue"
	"github.com/netdata/aclk/pkg/proxyresolve"
	"github.com/netdata/aclk/pkg/topiccache"

	"github.com/netdata/aclk/internal/transport"
)

// State enumerates the connection lifecycle's states (spec §4.K).
type State int32

const (
	StateInitializing State = iota
	StateWaitingForClaim
	StateBootstrapping
	StateConnecting
	StateConnected
	StatePopcorning
	StateServing
	StateDisconnecting
	StateBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaitingForClaim:
		return "waiting_for_claim"
	case StateBootstrapping:
		return "bootstrapping"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePopcorning:
		return "popcorning"
	case StateServing:
		return "serving"
	case StateDisconnecting:
		return "disconnecting"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 2 * time.Second
	keepAlive         = 60 * time.Second
	serviceSlice      = time.Second

	// popcornDelay is the default dwell time between a successful connect
	// and sending the first reachable=true update, giving subscriptions
	// time to land before the cloud starts routing commands at this
	// session (spec §4.K / SPEC_FULL popcorning supplement).
	popcornDelay = 300 * time.Millisecond
)

// Stats is the narrow metrics surface Link reports reconnects and online
// status through.
type Stats interface {
	IncReconnects()
	SetOnline(online bool)
}

// HandlersFactory builds the inbound dispatch table for one connection
// attempt; it is supplied by the caller (the daemon wiring layer) because
// the handler set depends on collaborators (node store, context engine)
// that Link itself doesn't own. onDisconnect is Link's own handling of a
// cloud-directed DisconnectReq (spec §4.K / §8 Scenario 5) and must be
// wired to the built Handlers.OnDisconnect so the message actually reaches
// the backoff state and the current session.
type HandlersFactory func(topics *topiccache.Cache, pub inbound.Publisher, tracker *inflight.Tracker, onDisconnect inbound.DisconnectCallback, cloudCapabilities aclk.Capabilities) (map[string]aclk.Handler, error)

// Config bundles everything one Link instance needs for its whole
// lifetime; a fresh *topiccache.Cache, *encode.Encoder, and
// *transport.Client are built for every connection attempt inside Run.
type Config struct {
	CloudHost string
	CloudPort string
	AgentVer  string
	TLSConfig *tls.Config

	Identity     *identity.Identity
	Capabilities []string // this agent's own capability list, reported on connect

	IsClaimed func() bool // §3 "claimed_and_cloud_enabled"

	HTTP        bootstrap.HTTPDoer
	Proxy       *proxyresolve.Proxy
	Backoff     *backoff.Backoff
	Queue       *outqueue.Queue
	BatchQueue  *outqueue.BatchQueue
	Tracker     *inflight.Tracker
	Handlers    HandlersFactory
	WorkerCount int

	Stats Stats
	Log   aclk.Logger
}

// Link drives the lifecycle loop. One Link per agent process.
type Link struct {
	cfg Config

	state           int32
	connected       int32
	killLink        int32
	cloudDisconnect int32
	sessionCounter  int64
	pubacksThisConn int64
}

// New builds a Link in StateInitializing.
func New(cfg Config) *Link {
	return &Link{cfg: cfg, state: int32(StateInitializing)}
}

// State returns the current lifecycle state. Safe for concurrent callers
// (spec §5: "other threads inspect boolean flags... atomically").
func (l *Link) State() State { return State(atomic.LoadInt32(&l.state)) }

// Connected reports whether the current connection attempt is past
// mqtt_connect and not yet torn down.
func (l *Link) Connected() bool { return atomic.LoadInt32(&l.connected) == 1 }

// Stop requests a graceful shutdown; Run returns once the current
// iteration (or backoff wait) observes it.
func (l *Link) Stop() { atomic.StoreInt32(&l.killLink, 1) }

func (l *Link) killed() bool { return atomic.LoadInt32(&l.killLink) == 1 }

func (l *Link) cloudDisconnectRequested() bool { return atomic.LoadInt32(&l.cloudDisconnect) == 1 }

func (l *Link) setState(s State) {
	atomic.StoreInt32(&l.state, int32(s))
	if l.cfg.Log != nil {
		l.cfg.Log.Debug("link: state transition", "state", s.String())
	}
}

// Run executes the lifecycle loop described in spec §4.K until Stop is
// called or ctx is cancelled. It never returns an error for ordinary
// backoff/retry conditions; those are logged and looped.
func (l *Link) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil || l.killed() {
			l.setState(StateTerminated)
			return ctx.Err()
		}

		l.setState(StateWaitingForClaim)
		if !l.waitUntilClaimed(ctx) {
			l.setState(StateTerminated)
			return ctx.Err()
		}

		l.setState(StateBackoff)
		if !l.waitBackoff(ctx) {
			l.setState(StateTerminated)
			return ctx.Err()
		}

		if attempts > 0 && l.cfg.Stats != nil {
			l.cfg.Stats.IncReconnects()
		}
		attempts++
		if err := l.attemptConnection(ctx); err != nil && l.cfg.Log != nil {
			l.cfg.Log.Warn("link: connection attempt ended", "error", err)
		}

		if l.killed() {
			l.setState(StateTerminated)
			return nil
		}
	}
}

func (l *Link) waitUntilClaimed(ctx context.Context) bool {
	if l.cfg.IsClaimed == nil {
		return true
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for !l.cfg.IsClaimed() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.killed() {
				return false
			}
		}
	}
	return true
}

// waitBackoff sleeps for the backoff-computed delay, polling the shutdown
// flag every 250ms (spec §5 suspension points).
func (l *Link) waitBackoff(ctx context.Context) bool {
	delay := l.cfg.Backoff.NextDelay(time.Now())
	if delay <= 0 {
		return true
	}
	deadline := time.Now().Add(delay)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.killed() {
				return false
			}
		}
	}
	return true
}

// attemptConnection runs one full bootstrap -> connect -> serve ->
// disconnect cycle.
func (l *Link) attemptConnection(ctx context.Context) error {
	l.setState(StateBootstrapping)

	bs := &bootstrap.Bootstrap{
		HTTP:      l.cfg.HTTP,
		CloudHost: l.cfg.CloudHost,
		CloudPort: l.cfg.CloudPort,
		AgentVer:  l.cfg.AgentVer,
		Identity:  l.cfg.Identity,
		Log:       l.cfg.Log,
	}

	result, err := bs.Run(l.onCloudError)
	if err != nil {
		return fmt.Errorf("link: bootstrap: %w", err)
	}
	l.cfg.Backoff.SetParams(backoff.Params{
		Base: result.Env.Backoff.Base,
		MinS: result.Env.Backoff.MinS,
		MaxS: result.Env.Backoff.MaxS,
	})

	topics, err := topiccache.Build(result.Credentials.Topics, l.cfg.Identity.ClaimIDString(), l.cfg.Log)
	if err != nil {
		return fmt.Errorf("link: topic cache: %w", err)
	}

	sessionID := atomic.AddInt64(&l.sessionCounter, 1)
	lwtBody, err := encode.EncodeAgentConnection(encode.AgentConnection{
		ClaimID:      l.cfg.Identity.ClaimIDString(),
		SessionID:    sessionID,
		Reachable:    false,
		LWT:          true,
		Capabilities: l.cfg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("link: encoding LWT: %w", err)
	}
	lwtTopic, ok := topics.TopicFor(topiccache.NameAgentConnection)
	if !ok {
		return fmt.Errorf("link: agent-connection topic not resolved")
	}

	l.setState(StateConnecting)
	client := transport.New(func(msg string, kv ...interface{}) {
		if l.cfg.Log != nil {
			l.cfg.Log.Debug(msg, kv...)
		}
	})
	err = client.Connect(connectTimeout, transport.ConnectParams{
		BrokerURL: result.Transport.Endpoint,
		ClientID:  result.Credentials.ClientID,
		Username:  result.Credentials.Username,
		Password:  result.Credentials.Password,
		WillTopic: lwtTopic,
		WillBody:  lwtBody,
		WillQoS:   transport.QoS1,
		KeepAlive: keepAlive,
		TLSConfig: l.cfg.TLSConfig,
		Proxy:     l.cfg.Proxy,
	})
	if err != nil {
		return fmt.Errorf("link: mqtt connect: %w", err)
	}
	defer l.teardown(client)

	cmdTopic, ok := topics.TopicFor(topiccache.NameInboxCommand)
	if !ok {
		return fmt.Errorf("link: inbox-cmd-v1 topic not resolved")
	}
	if err := client.Subscribe(cmdTopic); err != nil {
		return fmt.Errorf("link: subscribe: %w", err)
	}

	atomic.StoreInt32(&l.connected, 1)
	atomic.StoreInt32(&l.cloudDisconnect, 0)
	l.pubacksThisConn = 0
	l.setState(StateConnected)

	l.setState(StatePopcorning)
	select {
	case <-time.After(popcornDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	handlers, err := l.cfg.Handlers(topics, client, l.cfg.Tracker, l.onDisconnectReq, result.Env.Capabilities)
	if err != nil {
		return fmt.Errorf("link: building inbound handlers: %w", err)
	}
	var inboundStats inbound.StatsSink
	if s, ok := l.cfg.Stats.(inbound.StatsSink); ok {
		inboundStats = s
	}
	router, err := inbound.New(l.cfg.Log, inboundStats, handlers)
	if err != nil {
		// A simple_hash collision is a fatal startup invariant (spec §7);
		// propagate rather than retry, since a retry would hit the same
		// collision.
		return fmt.Errorf("link: fatal: %w", err)
	}

	encoder := &encode.Encoder{Topics: topics}

	var loopStats eventloop.StatsSink
	if s, ok := l.cfg.Stats.(eventloop.StatsSink); ok {
		loopStats = s
	}
	loop := eventloop.New(eventloop.Config{
		WorkerCount: l.cfg.WorkerCount,
		Worker: func(wctx context.Context, q *aclk.Query) {
			if q == nil {
				return
			}
			l.publish(encoder, client, q)
		},
		Batch: func(wctx context.Context, batch []*aclk.Query) {
			for _, q := range batch {
				l.publish(encoder, client, q)
			}
		},
		Stats: loopStats,
		Log:   l.cfg.Log,
	})

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go loop.Run(loopCtx)

	if err := l.sendConnectionUpdate(encoder, client, sessionID, true); err != nil && l.cfg.Log != nil {
		l.cfg.Log.Warn("link: failed to send reachable=true update", "error", err)
	}
	if l.cfg.Stats != nil {
		l.cfg.Stats.SetOnline(true)
	}

	l.setState(StateServing)
	l.serve(ctx, client, router, loop)

	if l.cfg.Stats != nil {
		l.cfg.Stats.SetOnline(false)
	}
	l.setState(StateDisconnecting)
	if l.cfg.Tracker != nil {
		l.cfg.Tracker.CancelAll()
	}
	loop.Post(eventloop.Command{Op: eventloop.OpShutdown})

	_ = l.sendConnectionUpdate(encoder, client, sessionID, false)
	client.Disconnect(disconnectTimeout)

	return nil
}

// serve drains inbound publishes and PUBACKs, posts queued outbound
// queries into the event loop once a second, and exits once the
// connection drops or shutdown is requested (spec §4.K serving loop).
func (l *Link) serve(ctx context.Context, client *transport.Client, router *inbound.Router, loop *eventloop.Loop) {
	ticker := time.NewTicker(serviceSlice)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.Received():
			if err := router.Dispatch(ctx, msg.Topic, msg.Payload); err != nil && l.cfg.Log != nil {
				l.cfg.Log.Warn("link: inbound dispatch error", "topic", msg.Topic, "error", err)
			}
		case <-client.PubAcks():
			l.pubacksThisConn++
			l.cfg.Backoff.NotePUBACKs(int(l.pubacksThisConn))
		case <-ticker.C:
			if !client.IsConnected() {
				return
			}
			l.drainQueue(loop)
			if l.killed() || l.cloudDisconnectRequested() {
				router.SetShuttingDown(true)
				return
			}
		}
	}
}

// drainQueue moves every queued outbound query into the event loop as a
// QUERY_EXECUTE command (spec §4.J admission happens inside the loop; this
// is the producer side of that handoff).
func (l *Link) drainQueue(loop *eventloop.Loop) {
	for {
		q, ok := l.cfg.Queue.Dequeue()
		if !ok {
			break
		}
		loop.Post(eventloop.Command{Op: eventloop.OpQueryExecute, Query: q})
	}
	if l.cfg.BatchQueue != nil {
		loop.Post(eventloop.Command{Op: eventloop.OpQueryBatchExecute})
	}
}

func (l *Link) publish(encoder *encode.Encoder, client *transport.Client, q *aclk.Query) {
	topic, body, err := encoder.Encode(q)
	if err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Warn("link: encode failed, dropping query", "type", q.Type.String(), "error", err)
		}
		return
	}
	if _, err := client.Publish(topic, body); err != nil && l.cfg.Log != nil {
		l.cfg.Log.Warn("link: publish failed", "topic", topic, "error", err)
	}
}

func (l *Link) sendConnectionUpdate(encoder *encode.Encoder, client *transport.Client, sessionID int64, reachable bool) error {
	body, err := encode.EncodeAgentConnection(encode.AgentConnection{
		ClaimID:      l.cfg.Identity.ClaimIDString(),
		SessionID:    sessionID,
		Reachable:    reachable,
		Capabilities: l.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	topic, ok := encoder.Topics.TopicFor(topiccache.NameAgentConnection)
	if !ok {
		return fmt.Errorf("link: agent-connection topic not resolved")
	}
	_, err = client.Publish(topic, body)
	return err
}

func (l *Link) teardown(client *transport.Client) {
	atomic.StoreInt32(&l.connected, 0)
}

// onDisconnectReq applies an inbound cloud-directed DisconnectReq (spec
// §4.I dispatch table / §4.K / §8 Scenario 5) to the shared backoff state
// and tears down the current session: permaban disables reconnection
// until process restart the same way a non-retryable bootstrap error
// does (onCloudError below); a bare reconnect-after blocks the backoff
// until that deadline. Either way it sets the cloudDisconnect flag, which
// serve checks on its next 1s service tick to end the current session
// gracefully.
func (l *Link) onDisconnectReq(permaban bool, reconnectAfterS int, errorCode, errorDescription string) {
	if permaban {
		l.cfg.Backoff.SetDisabledRuntime()
		if l.cfg.Log != nil {
			l.cfg.Log.Error("link: cloud requested permanent disconnect", "error_code", errorCode, "error_description", errorDescription)
		}
	} else if reconnectAfterS > 0 {
		l.cfg.Backoff.Block(time.Now().Add(time.Duration(reconnectAfterS) * time.Second))
		if l.cfg.Log != nil {
			l.cfg.Log.Warn("link: cloud requested disconnect with reconnect delay", "reconnect_after_s", reconnectAfterS, "error_code", errorCode)
		}
	}
	atomic.StoreInt32(&l.cloudDisconnect, 1)
}

// onCloudError applies a bootstrap-reported cloud error to the shared
// backoff state: a retry delay blocks until that deadline, and
// errorNonRetryable permanently disables reconnection until restart
// (spec §3 / §7).
func (l *Link) onCloudError(ce *bootstrap.CloudError) {
	if ce == nil {
		return
	}
	if ce.NonRetryable {
		l.cfg.Backoff.SetDisabledRuntime()
		if l.cfg.Log != nil {
			l.cfg.Log.Error("link: cloud reported non-retryable error, disabling reconnection", "code", ce.Code, "message", ce.Message)
		}
		return
	}
	if ce.HasRetryDelay {
		l.cfg.Backoff.Block(time.Now().Add(time.Duration(ce.RetryDelaySeconds) * time.Second))
	}
}
