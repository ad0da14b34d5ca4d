package wire

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTracker_ResolveByResponse(t *testing.T) {
	tracker := NewTracker(func(data []byte) error { return nil }, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.HandleInbound("msg-1", []byte(`{"ok":true}`))
	}()

	data, err := tracker.Send("msg-1", []byte(`{"command":"bw-status"}`), time.Second)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Unexpected response: %s", data)
	}
	if tracker.PendingCount() != 0 {
		t.Errorf("Expected no pending entries, got %d", tracker.PendingCount())
	}
}

func TestTracker_RejectByTimeout(t *testing.T) {
	tracker := NewTracker(func(data []byte) error { return nil }, nil)

	start := time.Now()
	_, err := tracker.Send("msg-1", []byte(`{}`), 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Timed out too early: %v", elapsed)
	}
	if tracker.PendingCount() != 0 {
		t.Errorf("Expected entry removed after timeout, got %d pending", tracker.PendingCount())
	}
}

func TestTracker_LateResponseGoesUnsolicited(t *testing.T) {
	var mu sync.Mutex
	var unsolicited []string
	tracker := NewTracker(
		func(data []byte) error { return nil },
		func(messageID string, data []byte) {
			mu.Lock()
			unsolicited = append(unsolicited, messageID)
			mu.Unlock()
		},
	)

	// Response delayed past the deadline: the caller must observe a
	// timeout error, never a late success.
	done := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		tracker.HandleInbound("msg-1", []byte(`{"status":"success"}`))
		close(done)
	}()

	_, err := tracker.Send("msg-1", []byte(`{}`), 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	if len(unsolicited) != 1 || unsolicited[0] != "msg-1" {
		t.Errorf("Expected late response routed to unsolicited handler, got %v", unsolicited)
	}
}

func TestTracker_DuplicateMessageID(t *testing.T) {
	release := make(chan struct{})
	tracker := NewTracker(func(data []byte) error { return nil }, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-release
		tracker.HandleInbound("msg-1", []byte(`{}`))
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := tracker.Send("msg-1", []byte(`{}`), time.Second)
		errCh <- err
	}()

	// Wait for the first request to register.
	for tracker.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := tracker.Send("msg-1", []byte(`{}`), time.Second); !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("Expected ErrDuplicateMessageID, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Errorf("First request should still resolve: %v", err)
	}
	wg.Wait()
}

func TestTracker_SendFailureCleansUp(t *testing.T) {
	sendErr := errors.New("pipe closed")
	tracker := NewTracker(func(data []byte) error { return sendErr }, nil)

	if _, err := tracker.Send("msg-1", []byte(`{}`), time.Second); !errors.Is(err, sendErr) {
		t.Fatalf("Expected transmit error, got %v", err)
	}
	if tracker.PendingCount() != 0 {
		t.Errorf("Expected entry removed after transmit failure, got %d", tracker.PendingCount())
	}
}

func TestTracker_ConcurrentRequests(t *testing.T) {
	tracker := NewTracker(func(data []byte) error { return nil }, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
			tracker.HandleInbound(id, []byte(`{}`))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.Send(id, []byte(`{}`), 5*time.Second); err != nil {
				t.Errorf("Request %s failed: %v", id, err)
			}
		}()
	}
	wg.Wait()

	if tracker.PendingCount() != 0 {
		t.Errorf("Expected all entries settled, got %d pending", tracker.PendingCount())
	}
}
