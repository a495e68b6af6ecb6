package rpc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcore/timeutil"
)

// DefaultTimeout is the RPC default timeout (spec.md §6: rpc_timeout = 10s).
const DefaultTimeout = 10 * time.Second

// Result is delivered to a PendingRequest's callback exactly once.
type Result struct {
	Data []byte
	Err  error
	RTT  time.Duration
}

// Callback receives the terminal Result of a pending request.
type Callback func(Result)

// PendingRequest tracks one in-flight outgoing call (spec.md §3). It is
// removed from the correlator on response, timeout, or explicit cancel —
// exactly one of those terminates it.
type PendingRequest struct {
	RequestID   uint32
	Method      string
	ConnectionID string
	sentAt      time.Time
	deadline    time.Time
	timeout     time.Duration
	bytesSoFar  int
	timedOut    bool
	callback    Callback
	done        bool
	timer       *time.Timer
}

// Handler answers one incoming REQUEST envelope, returning the response
// payload bytes.
type Handler func(args []byte, senderAddr string) ([]byte, error)

// BootstrapAddressRewriter rewrites a Bootstrap request's opaque args to
// carry the transport-observed sender address, implementing the special
// case in spec.md §4.4 without the correlator needing to know the wire
// schema.
type BootstrapAddressRewriter func(args []byte, observedAddr string) []byte

// Correlator allocates request ids, tracks PendingRequests with
// progress-extended deadlines, and dispatches incoming requests to
// registered per-service handlers.
type Correlator struct {
	mu              sync.Mutex
	nextID          uint32
	pending         map[uint32]*PendingRequest
	handlers        map[string]Handler
	bootstrapRewriter BootstrapAddressRewriter
	tp              timeutil.TimeProvider
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		pending:  make(map[uint32]*PendingRequest),
		handlers: make(map[string]Handler),
		tp:       timeutil.Default(),
	}
}

// SetTimeProvider overrides the clock used for RTT measurement, for
// deterministic tests. Per-request deadline timers still use real
// wall-clock timers since they are driven by time.Timer, not tp; tests
// that need deterministic timeout behavior should drive the request's
// channel directly rather than relying on wall-clock expiry.
func (c *Correlator) SetTimeProvider(tp timeutil.TimeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp == nil {
		tp = timeutil.Default()
	}
	c.tp = tp
}

// allocateID returns the next monotonic request id modulo 2^31-1, never 0.
// Callers must hold c.mu.
func (c *Correlator) allocateID() uint32 {
	const modulus = (1 << 31) - 1
	for {
		c.nextID = (c.nextID + 1) % modulus
		if c.nextID != 0 {
			return c.nextID
		}
	}
}

// Send registers a new PendingRequest with the given method/timeout and
// returns its envelope message id plus the PendingRequest handle. The
// caller is responsible for actually transmitting the envelope over the
// transport; on completion (or timeout) cb fires exactly once.
func (c *Correlator) Send(method string, timeout time.Duration, cb Callback) *PendingRequest {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	id := c.allocateID()
	now := c.tp.Now()
	pr := &PendingRequest{
		RequestID: id,
		Method:    method,
		sentAt:    now,
		deadline:  now.Add(timeout),
		timeout:   timeout,
		callback:  cb,
	}
	c.pending[id] = pr
	c.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	return pr
}

// Progress records that additional bytes have arrived for requestID since
// the deadline was armed, re-arming (extending) the deadline rather than
// letting it fire — spec.md §4.4's progress extension.
func (c *Correlator) Progress(requestID uint32, bytesReceived int) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok || pr.done {
		c.mu.Unlock()
		return
	}
	pr.bytesSoFar += bytesReceived
	pr.deadline = c.tp.Now().Add(pr.timeout)
	timer := pr.timer
	timeout := pr.timeout
	c.mu.Unlock()

	if timer != nil {
		timer.Reset(timeout)
	}
}

// Deliver completes requestID successfully with the given response bytes,
// measuring RTT from when the request was sent.
func (c *Correlator) Deliver(requestID uint32, data []byte) error {
	pr, rtt, ok := c.finish(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	pr.callback(Result{Data: data, RTT: rtt})
	return nil
}

// Fail completes requestID with err (e.g. ErrPeerUnreachable or
// ErrMalformedResponse from a caller that observed a transport-level
// failure directly).
func (c *Correlator) Fail(requestID uint32, err error) error {
	pr, rtt, ok := c.finish(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	pr.callback(Result{Err: err, RTT: rtt})
	return nil
}

// Cancel terminates requestID with ErrCancelled. Used by Node.Leave to
// drain in-flight RPCs.
func (c *Correlator) Cancel(requestID uint32) error {
	return c.Fail(requestID, ErrCancelled)
}

// CancelAll terminates every pending request with ErrCancelled, for
// Node.Leave.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Cancel(id)
	}
}

// finish marks requestID as resolved (claiming it so exactly one delivery
// happens) and returns the PendingRequest and elapsed RTT.
func (c *Correlator) finish(requestID uint32) (*PendingRequest, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[requestID]
	if !ok || pr.done {
		return nil, 0, false
	}
	pr.done = true
	delete(c.pending, requestID)
	if pr.timer != nil {
		pr.timer.Stop()
	}
	return pr, c.tp.Now().Sub(pr.sentAt), true
}

// expire is invoked by the per-request timer. It fires ErrTimedOut unless
// the deadline has since been pushed forward by Progress, in which case
// the timer is simply rearmed.
func (c *Correlator) expire(requestID uint32) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok || pr.done {
		c.mu.Unlock()
		return
	}
	now := c.tp.Now()
	if now.Before(pr.deadline) {
		remaining := pr.deadline.Sub(now)
		c.mu.Unlock()
		pr.timer.Reset(remaining)
		return
	}
	pr.timedOut = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "expire",
		"request_id": requestID,
		"method":     pr.Method,
	}).Debug("rpc request timed out")

	c.Fail(requestID, ErrTimedOut)
}

// RegisterHandler associates a Handler with a service/method pair for
// incoming REQUEST dispatch.
func (c *Correlator) RegisterHandler(service, method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[service+"."+method] = h
}

// SetBootstrapAddressRewriter installs the Bootstrap observed-address
// rewrite hook (spec.md §4.4).
func (c *Correlator) SetBootstrapAddressRewriter(r BootstrapAddressRewriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bootstrapRewriter = r
}

// Dispatch routes an incoming envelope: a Request is handed to its
// registered handler (after the Bootstrap address rewrite, if
// applicable) and the response bytes are returned for the caller to wrap
// and send back; a Response is delivered to its PendingRequest.
func (c *Correlator) Dispatch(env Envelope, senderAddr string) ([]byte, error) {
	if env.RPCType == Response {
		return nil, c.Deliver(env.MessageID, env.Args)
	}

	args := env.Args
	if env.Method == MethodBootstrap {
		c.mu.Lock()
		rewriter := c.bootstrapRewriter
		c.mu.Unlock()
		if rewriter != nil {
			args = rewriter(args, senderAddr)
		}
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Service+"."+env.Method]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoHandler
	}
	return h(args, senderAddr)
}

// PendingCount returns the number of in-flight requests, for tests and
// diagnostics.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
