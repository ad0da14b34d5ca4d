package wire

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateMessageID is returned when a request reuses a messageId
	// that already has a pending entry.
	ErrDuplicateMessageID = fmt.Errorf("request with this messageId is already pending")

	// ErrRequestTimeout is returned when no matching response arrives
	// within the request's deadline. Callers may re-issue with a new
	// messageId; the channel itself remains usable.
	ErrRequestTimeout = fmt.Errorf("timed out waiting for response")
)

// SendFunc transmits raw bytes to the remote side.
type SendFunc func(data []byte) error

// UnsolicitedFunc receives inbound messages that match no pending request,
// including responses arriving after their request timed out.
type UnsolicitedFunc func(messageID string, data []byte)

// Tracker correlates outbound requests to inbound responses by messageId,
// enforcing a per-request deadline. Exactly one of resolve-by-response or
// reject-by-timeout settles each request.
type Tracker struct {
	send        SendFunc
	unsolicited UnsolicitedFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	settled atomic.Bool
	done    chan result
}

type result struct {
	data []byte
	err  error
}

// settle transitions the request to its final state. The compare-and-swap
// guarantees that the timeout timer and the response path cannot both win.
func (p *pendingRequest) settle(r result) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.done <- r
	return true
}

// NewTracker creates a tracker that transmits via send and hands messages
// matching no pending request to unsolicited (which may be nil).
func NewTracker(send SendFunc, unsolicited UnsolicitedFunc) *Tracker {
	return &Tracker{
		send:        send,
		unsolicited: unsolicited,
		pending:     make(map[string]*pendingRequest),
	}
}

// Send transmits data and blocks until the response for messageID arrives or
// the timeout elapses. The entry is removed on either outcome, so a stale
// response arriving later routes to the unsolicited handler.
func (t *Tracker) Send(messageID string, data []byte, timeout time.Duration) ([]byte, error) {
	p := &pendingRequest{done: make(chan result, 1)}

	t.mu.Lock()
	if _, exists := t.pending[messageID]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateMessageID
	}
	t.pending[messageID] = p
	t.mu.Unlock()

	if err := t.send(data); err != nil {
		t.remove(messageID)
		return nil, fmt.Errorf("failed to transmit request: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		if p.settle(result{err: ErrRequestTimeout}) {
			t.remove(messageID)
		}
	})
	defer timer.Stop()

	r := <-p.done
	return r.data, r.err
}

// HandleInbound routes an inbound message to its pending request, or to the
// unsolicited handler when no entry matches.
func (t *Tracker) HandleInbound(messageID string, data []byte) {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()

	if ok && p.settle(result{data: data}) {
		return
	}
	if t.unsolicited != nil {
		t.unsolicited(messageID, data)
	}
}

// PendingCount reports the number of in-flight requests.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) remove(messageID string) {
	t.mu.Lock()
	delete(t.pending, messageID)
	t.mu.Unlock()
}
