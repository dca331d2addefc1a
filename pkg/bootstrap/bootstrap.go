// Package bootstrap drives the three-step exchange that precedes every
// MQTT connect: environment discovery (/env), an RSA-OAEP challenge/
// response, and a password exchange that yields MQTT credentials and the
// topic list. Response bodies are schema-light JSON, extracted field by
// field with gjson the same way the teacher's HTTP source pulls fields out
// of loosely-structured bodies (pkg/source/http/http.go).
package bootstrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/netdata/aclk"
	"github.com/netdata/aclk/pkg/httpsclient"
	"github.com/netdata/aclk/pkg/identity"
	"github.com/netdata/aclk/pkg/topiccache"
)

// Transport is one entry of the environment descriptor's transport list.
type Transport struct {
	Type     string
	Endpoint string
}

// BackoffParams mirrors the env descriptor's backoff section (spec §3).
type BackoffParams struct {
	Base float64
	MinS time.Duration
	MaxS time.Duration
}

// Env is the environment descriptor returned by /env.
type Env struct {
	AuthEndpoint string
	Encoding     aclk.Encoding
	Capabilities aclk.Capabilities
	Transports   []Transport
	Backoff      BackoffParams
}

// mqttTransportType is the one transport type this core understands; the
// spec's "core picks the first entry whose type is MQTT 3.1.1" rule.
const mqttTransportType = "MQTTv3"

// CloudError is the {errorCode, errorMsgKey, errorMessage,
// errorNonRetryable?, errorRetryDelaySeconds?} shape any of the three
// bootstrap steps may return instead of a success body.
type CloudError struct {
	Code              string
	MessageKey        string
	Message           string
	NonRetryable      bool
	HasRetryDelay     bool
	RetryDelaySeconds int
}

func (e *CloudError) Error() string {
	return fmt.Sprintf("bootstrap: cloud error %s: %s", e.Code, e.Message)
}

// Credentials is the result of the password exchange: MQTT credentials
// plus the still-unresolved topic list.
type Credentials struct {
	ClientID string
	Username string
	Password string
	Topics   []topiccache.TopicListItem
}

// Result bundles everything a successful bootstrap produced.
type Result struct {
	Env         *Env
	Credentials *Credentials
	Transport   Transport
}

// Transient-protocol failures per spec §7: backoff 5s, retry bootstrap.
var (
	ErrUnsupportedEncoding = fmt.Errorf("bootstrap: only proto encoding is supported")
	ErrMissingCapability   = fmt.Errorf("bootstrap: cloud environment lacks the proto capability")
	ErrNoMQTTTransport     = fmt.Errorf("bootstrap: no MQTT 3.1.1 transport offered")
)

// HTTPDoer is the subset of *httpsclient.Client bootstrap needs, narrow
// enough that tests can fake an /env, /challenge, /password exchange
// without standing up TLS.
type HTTPDoer interface {
	Do(req *httpsclient.Request) (*httpsclient.Response, error)
}

// Bootstrap drives one attempt of the three-step exchange. A fresh
// Bootstrap (and the Env/Credentials it produces) is built for every
// reconnection attempt; nothing here survives across attempts.
type Bootstrap struct {
	HTTP      HTTPDoer
	CloudHost string // e.g. "api.netdata.cloud"
	CloudPort string // defaults to 443
	AgentVer  string
	Identity  *identity.Identity
	Log       aclk.Logger
}

func (b *Bootstrap) cloudPort() string {
	if b.CloudPort != "" {
		return b.CloudPort
	}
	return "443"
}

func (b *Bootstrap) agentVer() string {
	if b.AgentVer != "" {
		return b.AgentVer
	}
	return "1.0.0"
}

// Run executes env discovery, challenge, and password exchange in order.
// Whenever any step returns a *CloudError, onCloudError (when non-nil) is
// invoked before Run returns its error, so the caller can apply the
// disable flag or blocked_until globally regardless of which step failed.
func (b *Bootstrap) Run(onCloudError func(*CloudError)) (*Result, error) {
	env, err := b.fetchEnv()
	if err != nil {
		b.reportCloudError(err, onCloudError)
		return nil, err
	}
	if env.Encoding != aclk.EncodingProto {
		return nil, ErrUnsupportedEncoding
	}
	if !env.Capabilities.Has("proto") {
		return nil, ErrMissingCapability
	}
	transport, ok := firstMQTTTransport(env.Transports)
	if !ok {
		return nil, ErrNoMQTTTransport
	}

	response, err := b.challenge(env.AuthEndpoint)
	if err != nil {
		b.reportCloudError(err, onCloudError)
		return nil, err
	}

	creds, err := b.password(env.AuthEndpoint, response)
	if err != nil {
		b.reportCloudError(err, onCloudError)
		return nil, err
	}

	return &Result{Env: env, Credentials: creds, Transport: transport}, nil
}

func (b *Bootstrap) reportCloudError(err error, onCloudError func(*CloudError)) {
	if ce, ok := err.(*CloudError); ok && onCloudError != nil {
		onCloudError(ce)
	}
}

func firstMQTTTransport(ts []Transport) (Transport, bool) {
	for _, t := range ts {
		if t.Type == mqttTransportType {
			return t, true
		}
	}
	return Transport{}, false
}

// fetchEnv performs step 1: GET /api/v1/env?v=<ver>&cap=proto&claim_id=<claim>.
func (b *Bootstrap) fetchEnv() (*Env, error) {
	path := fmt.Sprintf("/api/v1/env?v=%s&cap=proto&claim_id=%s", b.agentVer(), b.Identity.ClaimIDString())
	resp, err := b.HTTP.Do(&httpsclient.Request{
		Method: httpsclient.MethodGET,
		Host:   b.CloudHost,
		Port:   b.cloudPort(),
		Path:   path,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: /env request: %w", err)
	}
	if resp.StatusCode != 200 {
		if ce, ok := parseCloudError(resp.Body); ok {
			return nil, ce
		}
		return nil, fmt.Errorf("bootstrap: /env returned status %d", resp.StatusCode)
	}
	return parseEnv(resp.Body)
}

func parseEnv(body []byte) (*Env, error) {
	root := gjson.ParseBytes(body)
	if !root.Exists() {
		return nil, fmt.Errorf("bootstrap: /env body is not JSON")
	}

	env := &Env{
		AuthEndpoint: root.Get("auth_endpoint").String(),
		Encoding:     aclk.Encoding(root.Get("encoding").String()),
		Capabilities: aclk.NewCapabilities(stringArray(root.Get("capabilities"))...),
	}
	if env.AuthEndpoint == "" {
		return nil, fmt.Errorf("bootstrap: /env body missing auth_endpoint")
	}

	transports := root.Get("transport")
	if !transports.Exists() {
		transports = root.Get("transports")
	}
	transports.ForEach(func(_, v gjson.Result) bool {
		env.Transports = append(env.Transports, Transport{
			Type:     v.Get("type").String(),
			Endpoint: v.Get("endpoint").String(),
		})
		return true
	})

	bo := root.Get("backoff")
	env.Backoff = BackoffParams{
		Base: bo.Get("base").Float(),
		MinS: time.Duration(bo.Get("min_s").Float() * float64(time.Second)),
		MaxS: time.Duration(bo.Get("max_s").Float() * float64(time.Second)),
	}
	if env.Backoff.Base < 1 {
		env.Backoff.Base = 2
	}

	return env, nil
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	out := make([]string, 0, len(r.Array()))
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

// parseCloudError recognizes the {errorCode, errorMsgKey, errorMessage,
// errorNonRetryable?, errorRetryDelaySeconds?} error shape shared by all
// three bootstrap steps.
func parseCloudError(body []byte) (*CloudError, bool) {
	root := gjson.ParseBytes(body)
	code := root.Get("errorCode")
	if !code.Exists() {
		return nil, false
	}
	ce := &CloudError{
		Code:         code.String(),
		MessageKey:   root.Get("errorMsgKey").String(),
		Message:      root.Get("errorMessage").String(),
		NonRetryable: root.Get("errorNonRetryable").Bool(),
	}
	if delay := root.Get("errorRetryDelaySeconds"); delay.Exists() {
		ce.HasRetryDelay = true
		ce.RetryDelaySeconds = int(delay.Int())
	}
	return ce, true
}

// challenge performs step 2: fetch the server-chosen nonce, RSA-OAEP
// decrypt it with the agent's private key, and re-encode the plaintext as
// the response value the password step expects.
func (b *Bootstrap) challenge(authEndpoint string) (string, error) {
	host, port, basePath, err := splitEndpoint(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("bootstrap: auth_endpoint: %w", err)
	}

	resp, err := b.HTTP.Do(&httpsclient.Request{
		Method: httpsclient.MethodGET,
		Host:   host,
		Port:   port,
		Path:   fmt.Sprintf("%s/node/%s/challenge", basePath, b.Identity.ClaimIDString()),
	})
	if err != nil {
		return "", fmt.Errorf("bootstrap: /challenge request: %w", err)
	}
	if resp.StatusCode != 200 {
		if ce, ok := parseCloudError(resp.Body); ok {
			return "", ce
		}
		return "", fmt.Errorf("bootstrap: /challenge returned status %d", resp.StatusCode)
	}

	encoded := gjson.GetBytes(resp.Body, "challenge").String()
	if encoded == "" {
		return "", fmt.Errorf("bootstrap: /challenge body missing challenge field")
	}
	ciphertext, err := httpsclient.Base64Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("bootstrap: decoding challenge: %w", err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, b.Identity.PrivateKey, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("bootstrap: decrypting challenge: %w", err)
	}

	return httpsclient.Base64Encode(plaintext), nil
}

// password performs step 3: POST the decrypted-and-reencoded response,
// expect 201 with MQTT credentials and the raw topic list.
func (b *Bootstrap) password(authEndpoint, response string) (*Credentials, error) {
	host, port, basePath, err := splitEndpoint(authEndpoint)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: auth_endpoint: %w", err)
	}

	body := []byte(fmt.Sprintf(`{"response":%q}`, response))
	resp, err := b.HTTP.Do(&httpsclient.Request{
		Method:  httpsclient.MethodPOST,
		Host:    host,
		Port:    port,
		Path:    fmt.Sprintf("%s/node/%s/password", basePath, b.Identity.ClaimIDString()),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: /password request: %w", err)
	}
	if resp.StatusCode != 201 {
		if ce, ok := parseCloudError(resp.Body); ok {
			return nil, ce
		}
		return nil, fmt.Errorf("bootstrap: /password returned status %d", resp.StatusCode)
	}

	root := gjson.ParseBytes(resp.Body)
	creds := &Credentials{
		ClientID: root.Get("clientID").String(),
		Username: root.Get("username").String(),
		Password: root.Get("password").String(),
	}
	if creds.ClientID == "" || creds.Username == "" {
		return nil, fmt.Errorf("bootstrap: /password body missing clientID/username")
	}

	root.Get("topics").ForEach(func(_, v gjson.Result) bool {
		name := v.Get("name").String()
		topic := v.Get("topic").String()
		if name == "" || topic == "" {
			return true
		}
		creds.Topics = append(creds.Topics, topiccache.TopicListItem{
			LogicalName: name,
			Template:    topic,
		})
		return true
	})

	return creds, nil
}

// splitEndpoint breaks a full auth_endpoint URL into the (host, port, path)
// triple httpsclient.Request needs, since the HTTPS client operates on raw
// sockets rather than URLs.
func splitEndpoint(raw string) (host, port, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", err
	}
	host = u.Hostname()
	if host == "" {
		return "", "", "", fmt.Errorf("missing host in %q", raw)
	}
	port = u.Port()
	if port == "" {
		port = "443"
	}
	path = u.Path
	return host, port, path, nil
}
