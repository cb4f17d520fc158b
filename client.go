package miio

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultHandshakeTTL   = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultPort           = 54321

	postHandshakeDelay = 100 * time.Millisecond
	initialCounterBound = 10000

	// handshakeSentinelID is the reserved pending-registry key for the
	// untagged handshake reply. Real request ids are allocated from a
	// small random start and only ever increment by one per call, so
	// colliding with this sentinel inside one process's lifetime is
	// precluded in practice.
	handshakeSentinelID uint32 = 0xFFFFFFFF

	// pendingSoftLimit is a purely observational high-water mark; the
	// client enforces no hard cap on concurrent calls.
	pendingSoftLimit = 1000
)

// handshakeState is the client's cached view of the device's identity and
// stamp, established by the most recent handshake.
type handshakeState struct {
	deviceID     uint32
	deviceStamp  uint32
	localInstant time.Time
}

// projectedStamp advances the device's stamp by whole seconds elapsed
// since the handshake.
func (h handshakeState) projectedStamp(now time.Time) uint32 {
	elapsed := now.Sub(h.localInstant)
	if elapsed < 0 {
		elapsed = 0
	}
	return h.deviceStamp + uint32(elapsed/time.Second)
}

type pendingResult struct {
	resp Response
	err  error
}

type pendingCall struct {
	resultCh chan pendingResult
	timer    *time.Timer
	once     sync.Once
}

func (pc *pendingCall) resolve(res pendingResult) {
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.resultCh <- res
	})
}

// Client is a single-owner state machine that handshakes with one device,
// multiplexes concurrent calls over one Transport, and matches replies
// back to callers by request id.
type Client struct {
	token  []byte
	target *net.UDPAddr

	transport   Transport
	unsubscribe Unsubscribe

	handshakeTTL   time.Duration
	requestTimeout time.Duration
	maxAttempts    int

	logger        logrus.FieldLogger
	metrics       *clientMetrics
	correlationID string
	now           func() time.Time

	mu             sync.Mutex
	requestCounter uint32
	handshake      *handshakeState
	pending        map[uint32]*pendingCall
	closed         bool

	handshakeGroup singleflight.Group
}

// ClientOption configures optional Client parameters over the defaults.
type ClientOption func(*clientConfig)

type clientConfig struct {
	port           int
	handshakeTTL   time.Duration
	requestTimeout time.Duration
	maxAttempts    int
	initialCounter *uint32
	logger         logrus.FieldLogger
	metrics        MetricsConfig
	now            func() time.Time
}

// WithPort overrides the default device port (54321).
func WithPort(port int) ClientOption {
	return func(c *clientConfig) { c.port = port }
}

// WithHandshakeTTL overrides the default 10s handshake TTL.
func WithHandshakeTTL(ttl time.Duration) ClientOption {
	return func(c *clientConfig) { c.handshakeTTL = ttl }
}

// WithRequestTimeout overrides the default 10s per-call timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) { c.requestTimeout = timeout }
}

// WithMaxAttempts overrides the default 3 call attempts.
func WithMaxAttempts(n int) ClientOption {
	return func(c *clientConfig) { c.maxAttempts = n }
}

// WithInitialCounter pins the initial request counter instead of drawing
// one at random from [0, 10000).
func WithInitialCounter(v uint32) ClientOption {
	return func(c *clientConfig) { c.initialCounter = &v }
}

// WithLogger overrides the default (logrus.StandardLogger()) logger.
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithMetrics registers Prometheus collectors under the given config
// instead of a private, unscraped registry.
func WithMetrics(cfg MetricsConfig) ClientOption {
	return func(c *clientConfig) { c.metrics = cfg }
}

// withClock overrides the wall clock used for handshake TTL and stamp
// projection. Unexported: only test code in this package needs it.
func withClock(now func() time.Time) ClientOption {
	return func(c *clientConfig) { c.now = now }
}

// NewClient constructs a Client bound to a single device, subscribes it
// to transport, and returns it ready for use. tokenHex must be a
// 32-character hex string decoding to a 16-byte device token.
func NewClient(transport Transport, tokenHex, host string, opts ...ClientOption) (*Client, error) {
	token, err := hex.DecodeString(tokenHex)
	if err != nil {
		return nil, fmt.Errorf("miio: invalid token %q: %w", tokenHex, err)
	}
	if len(token) != 16 {
		return nil, fmt.Errorf("miio: token must decode to 16 bytes, got %d", len(token))
	}

	cfg := clientConfig{
		port:           defaultPort,
		handshakeTTL:   defaultHandshakeTTL,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		logger:         logrus.StandardLogger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("miio: invalid host %q: %w", host, err)
		}
		ip = resolved.IP
	}

	var counter uint32
	if cfg.initialCounter != nil {
		counter = *cfg.initialCounter
	} else {
		counter = randomInitialCounter()
	}

	id := uuid.NewString()
	c := &Client{
		token:          token,
		target:         &net.UDPAddr{IP: ip, Port: cfg.port},
		transport:      transport,
		handshakeTTL:   cfg.handshakeTTL,
		requestTimeout: cfg.requestTimeout,
		maxAttempts:    cfg.maxAttempts,
		logger:         cfg.logger.WithField("miio_client", id),
		metrics:        newClientMetrics(cfg.metrics),
		correlationID:  id,
		now:            cfg.now,
		requestCounter: counter,
		pending:        make(map[uint32]*pendingCall),
	}

	if err := transport.EnsureReady(); err != nil {
		return nil, err
	}
	c.Start()

	return c, nil
}

func randomInitialCounter() uint32 {
	// A random start in [0, 10000). crypto/rand would be overkill for a
	// wire-protocol correlation counter with no security role.
	return uint32(time.Now().UnixNano() % initialCounterBound)
}

// Start subscribes the client to its transport, if it has not already.
// It returns the Unsubscribe handle for that subscription; calling Start
// more than once returns the same handle without subscribing again.
func (c *Client) Start() Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return c.unsubscribe
	}
	c.unsubscribe = c.transport.Subscribe(c.onDatagram)
	return c.unsubscribe
}

// Invalidate clears the cached handshake, forcing a re-handshake on the
// next call.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.handshake = nil
	c.mu.Unlock()
}

// Close cancels every pending call with ErrSessionClosed and unsubscribes
// from the transport. Subsequent calls fail with ErrSessionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	for _, pc := range pending {
		pc.resolve(pendingResult{err: ErrSessionClosed})
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send performs one JSON-RPC-style method call and returns the decoded
// reply body ({id, result, exec_time} shape, passed through verbatim).
// It retries failed attempts up to the configured limit and fails with
// RetryExhaustedError once attempts are exhausted.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (map[string]interface{}, error) {
	if c.isClosed() {
		return nil, ErrSessionClosed
	}
	c.metrics.requestsTotal.WithLabelValues(method).Inc()
	start := c.now()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.attempt(ctx, method, params)
		if err == nil {
			c.metrics.requestDuration.Observe(c.now().Sub(start).Seconds())
			return result, nil
		}
		if errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if attempt < c.maxAttempts {
			c.metrics.retriesTotal.Inc()
			c.logger.WithError(err).WithField("attempt", attempt).WithField("method", method).Warn("miio: call attempt failed, retrying")
		}
	}
	return nil, &RetryExhaustedError{Attempts: c.maxAttempts, Last: lastErr}
}

// SimpleSend wraps Send and turns a reply body carrying an "error" field
// into a RemoteError. Unlike the wire/timeout errors Send can return,
// RemoteError is a semantic failure from the device and is never retried.
func (c *Client) SimpleSend(ctx context.Context, method string, params interface{}) error {
	result, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if raw, ok := result["error"]; ok {
		return remoteErrorFrom(raw)
	}
	return nil
}

func remoteErrorFrom(raw interface{}) error {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return &RemoteError{Message: fmt.Sprintf("%v", raw)}
	}
	code := fmt.Sprintf("%v", m["code"])
	message := fmt.Sprintf("%v", m["message"])
	return &RemoteError{Code: code, Message: message}
}

// attempt runs one iteration of the per-call protocol: ensure a live
// handshake, wait out the post-handshake settle delay, allocate and
// register a request id, send, and wait for the matching reply.
func (c *Client) attempt(ctx context.Context, method string, params interface{}) (map[string]interface{}, error) {
	if c.isClosed() {
		return nil, ErrSessionClosed
	}
	hs, err := c.ensureHandshake(ctx)
	if err != nil {
		return nil, err
	}

	if wait := postHandshakeDelay - c.now().Sub(hs.localInstant); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("miio: %v: %w", ctx.Err(), ErrIoError)
		}
	}

	id, pc := c.allocateAndRegister(c.requestTimeout)

	body := map[string]interface{}{"id": id, "method": method, "params": params}
	plaintext, err := json.Marshal(body)
	if err != nil {
		c.resolveAndForget(id, pc)
		return nil, fmt.Errorf("miio: encode request body: %w", err)
	}

	stamp := hs.projectedStamp(c.now())
	req := NormalRequest(hs.deviceID, stamp, plaintext)
	pkt, err := serializeRequest(req, c.token)
	if err != nil {
		c.resolveAndForget(id, pc)
		return nil, err
	}
	raw, err := pkt.Serialize()
	if err != nil {
		c.resolveAndForget(id, pc)
		return nil, err
	}

	if err := c.transport.Send(raw, c.target); err != nil {
		c.resolveAndForget(id, pc)
		return nil, err
	}

	select {
	case res := <-pc.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		var out map[string]interface{}
		if err := json.Unmarshal(res.resp.Plaintext, &out); err != nil {
			return nil, fmt.Errorf("miio: decode reply body: %w", err)
		}
		return out, nil
	case <-ctx.Done():
		c.resolveAndForget(id, pc)
		return nil, fmt.Errorf("miio: %v: %w", ctx.Err(), ErrIoError)
	}
}

// resolveAndForget removes a pending entry this attempt registered but
// will not wait on (e.g. send failed before a reply could ever arrive).
func (c *Client) resolveAndForget(id uint32, pc *pendingCall) {
	c.removePending(id)
	pc.resolve(pendingResult{})
}

// ensureHandshake returns the current live handshake, performing a new
// one if none is cached or the cached one has expired. Concurrent callers
// whose handshake has expired coalesce onto one in-flight handshake via
// singleflight instead of each initiating their own.
func (c *Client) ensureHandshake(ctx context.Context) (handshakeState, error) {
	if hs, ok := c.currentHandshake(); ok {
		return hs, nil
	}

	v, err, _ := c.handshakeGroup.Do("handshake", func() (interface{}, error) {
		if hs, ok := c.currentHandshake(); ok {
			return hs, nil
		}
		return c.doHandshake(ctx)
	})
	if err != nil {
		return handshakeState{}, err
	}
	return v.(handshakeState), nil
}

func (c *Client) currentHandshake() (handshakeState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshake == nil {
		return handshakeState{}, false
	}
	if c.now().Sub(c.handshake.localInstant) > c.handshakeTTL {
		return handshakeState{}, false
	}
	return *c.handshake, true
}

func (c *Client) doHandshake(ctx context.Context) (handshakeState, error) {
	pkt, err := serializeRequest(HandshakeRequest(), c.token)
	if err != nil {
		return handshakeState{}, err
	}
	raw, err := pkt.Serialize()
	if err != nil {
		return handshakeState{}, err
	}

	id, pc := c.allocateAndRegisterAt(handshakeSentinelID, c.requestTimeout)

	if err := c.transport.Send(raw, c.target); err != nil {
		c.resolveAndForget(id, pc)
		return handshakeState{}, err
	}

	select {
	case res := <-pc.resultCh:
		if res.err != nil {
			return handshakeState{}, res.err
		}
		hs := handshakeState{
			deviceID:     res.resp.DeviceID,
			deviceStamp:  res.resp.Stamp,
			localInstant: c.now(),
		}
		c.mu.Lock()
		c.handshake = &hs
		c.mu.Unlock()
		c.metrics.handshakesTotal.Inc()
		c.logger.WithField("device_id", hs.deviceID).WithField("stamp", hs.deviceStamp).Debug("miio: handshake complete")
		return hs, nil
	case <-ctx.Done():
		c.resolveAndForget(id, pc)
		return handshakeState{}, fmt.Errorf("miio: %v: %w", ctx.Err(), ErrIoError)
	}
}

// allocateAndRegister pre-increments the request counter and registers a
// pending entry for the resulting id in one critical section, so the
// increment and the registration can never be observed apart.
func (c *Client) allocateAndRegister(timeout time.Duration) (uint32, *pendingCall) {
	c.mu.Lock()
	c.requestCounter++
	id := c.requestCounter
	pc := c.registerLocked(id, timeout)
	c.mu.Unlock()
	return id, pc
}

func (c *Client) allocateAndRegisterAt(id uint32, timeout time.Duration) (uint32, *pendingCall) {
	c.mu.Lock()
	pc := c.registerLocked(id, timeout)
	c.mu.Unlock()
	return id, pc
}

// registerLocked must be called with c.mu held.
func (c *Client) registerLocked(id uint32, timeout time.Duration) *pendingCall {
	pc := &pendingCall{resultCh: make(chan pendingResult, 1)}
	c.pending[id] = pc
	n := len(c.pending)
	if n > pendingSoftLimit {
		c.logger.WithField("pending", n).Warn("miio: pending call count above soft limit")
	}
	c.metrics.pendingCalls.Set(float64(n))

	pc.timer = time.AfterFunc(timeout, func() {
		if c.removePending(id) {
			pc.resolve(pendingResult{err: fmt.Errorf("miio: no reply within %s: %w", timeout, ErrTimeout)})
		}
	})
	return pc
}

// removePending deletes the entry for id, reporting whether it was still
// present. The timeout only resolves a call when this reports true, and
// tryResolve deletes under the same lock, so resolution and timeout can
// never both win.
func (c *Client) removePending(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.pendingCalls.Set(float64(len(c.pending)))
	}
	return ok
}

// onDatagram is the transport subscription callback: filter by remote
// address, parse and classify, then demultiplex to the matching pending
// call.
func (c *Client) onDatagram(data []byte, remote *net.UDPAddr) {
	if remote == nil || !remote.IP.Equal(c.target.IP) || remote.Port != c.target.Port {
		c.logger.WithField("remote", remote).Debug("miio: dropping datagram from unexpected address")
		return
	}

	p, err := ParsePacket(data)
	if err != nil {
		c.logger.WithError(err).Debug("miio: dropping malformed datagram")
		return
	}

	resp, err := deserializeResponse(p, c.token)
	if err != nil {
		c.routeWireError(err)
		return
	}

	if resp.Handshake {
		if !c.tryResolve(handshakeSentinelID, pendingResult{resp: resp}) {
			c.logger.Debug("miio: dropping handshake reply, no pending handshake")
		}
		return
	}

	id, err := extractReplyID(resp.Plaintext)
	if err != nil {
		c.logger.WithError(err).Debug("miio: dropping reply, could not extract request id")
		return
	}
	if !c.tryResolve(id, pendingResult{resp: resp}) {
		// Late replies after timeout are expected, not an error.
		c.logger.WithField("request_id", id).Debug("miio: dropping reply for unknown or expired request id")
	}
}

func (c *Client) tryResolve(id uint32, res pendingResult) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.pendingCalls.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.resolve(res)
	return true
}

// routeWireError attributes a checksum/decrypt failure to a pending call.
// A malformed or tampered Normal reply cannot be decrypted, so its
// request id is unrecoverable from the wire alone. When exactly one
// non-handshake call is outstanding the failure unambiguously belongs to
// it; otherwise the datagram is dropped and logged.
func (c *Client) routeWireError(err error) {
	c.mu.Lock()
	var only uint32
	count := 0
	for id := range c.pending {
		if id == handshakeSentinelID {
			continue
		}
		only = id
		count++
	}
	c.mu.Unlock()

	if count == 1 {
		c.tryResolve(only, pendingResult{err: err})
		return
	}
	c.logger.WithError(err).Debug("miio: dropping reply that failed wire validation")
}

func extractReplyID(plaintext []byte) (uint32, error) {
	var body struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return 0, fmt.Errorf("miio: parse reply id: %w", err)
	}
	return body.ID, nil
}
