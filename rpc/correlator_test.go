package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverInvokesCallbackExactlyOnce(t *testing.T) {
	c := NewCorrelator()
	var calls int
	var mu sync.Mutex
	done := make(chan Result, 1)

	pr := c.Send("Ping", time.Second, func(r Result) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- r
	})

	require.NoError(t, c.Deliver(pr.RequestID, []byte("pong")))
	// A second delivery attempt for the same id must be a no-op.
	err := c.Deliver(pr.RequestID, []byte("pong-again"))
	assert.ErrorIs(t, err, ErrUnknownRequest)

	res := <-done
	assert.Equal(t, []byte("pong"), res.Data)
	assert.NoError(t, res.Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestCancelDeliversCancelledError(t *testing.T) {
	c := NewCorrelator()
	done := make(chan Result, 1)
	pr := c.Send("FindNode", time.Second, func(r Result) { done <- r })

	require.NoError(t, c.Cancel(pr.RequestID))
	res := <-done
	assert.ErrorIs(t, res.Err, ErrCancelled)
}

func TestTimeoutFiresAfterDeadline(t *testing.T) {
	c := NewCorrelator()
	done := make(chan Result, 1)
	c.Send("Ping", 20*time.Millisecond, func(r Result) { done <- r })

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout callback")
	}
}

func TestProgressExtendsDeadline(t *testing.T) {
	c := NewCorrelator()
	done := make(chan Result, 1)
	pr := c.Send("FindValue", 50*time.Millisecond, func(r Result) { done <- r })

	// Keep pushing the deadline forward for longer than the original
	// timeout would have allowed.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.Progress(pr.RequestID, 16)
	}

	select {
	case <-done:
		t.Fatal("callback fired despite steady progress")
	default:
	}

	require.NoError(t, c.Deliver(pr.RequestID, []byte("value")))
	res := <-done
	assert.NoError(t, res.Err)
}

func TestDispatchRoutesRequestToHandler(t *testing.T) {
	c := NewCorrelator()
	c.RegisterHandler("kad", "Ping", func(args []byte, sender string) ([]byte, error) {
		return []byte("pong from " + sender), nil
	})

	resp, err := c.Dispatch(Envelope{RPCType: Request, Service: "kad", Method: "Ping"}, "1.2.3.4:9000")
	require.NoError(t, err)
	assert.Equal(t, "pong from 1.2.3.4:9000", string(resp))
}

func TestDispatchBootstrapRewritesObservedAddress(t *testing.T) {
	c := NewCorrelator()
	c.SetBootstrapAddressRewriter(func(args []byte, observedAddr string) []byte {
		return []byte(observedAddr)
	})
	c.RegisterHandler("kad", MethodBootstrap, func(args []byte, sender string) ([]byte, error) {
		return args, nil
	})

	resp, err := c.Dispatch(Envelope{RPCType: Request, Service: "kad", Method: MethodBootstrap, Args: []byte("stale")}, "5.6.7.8:1234")
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8:1234", string(resp))
}

func TestDispatchUnknownHandler(t *testing.T) {
	c := NewCorrelator()
	_, err := c.Dispatch(Envelope{RPCType: Request, Service: "kad", Method: "Missing"}, "addr")
	assert.ErrorIs(t, err, ErrNoHandler)
}
