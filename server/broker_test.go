package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/mbocsi/statusync/proto"
)

// MockSession records every frame sent to it
type MockSession struct {
	metadata SessionMetadata
	frames   []*frame.Frame
	sendErr  error
	closed   bool
	mu       sync.Mutex
}

func NewMockSession(id string) *MockSession {
	return &MockSession{metadata: SessionMetadata{Id: id, Transport: "mock", RemoteAddr: "10.0.0.7:5000"}}
}

func (ms *MockSession) Send(f *frame.Frame) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sendErr != nil {
		return ms.sendErr
	}
	ms.frames = append(ms.frames, f)
	return nil
}

func (ms *MockSession) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

func (ms *MockSession) Meta() *SessionMetadata {
	return &ms.metadata
}

func (ms *MockSession) Frames() []*frame.Frame {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	result := make([]*frame.Frame, len(ms.frames))
	copy(result, ms.frames)
	return result
}

func (ms *MockSession) Closed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed
}

func (ms *MockSession) SetSendError(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sendErr = err
}

func TestNewBroker(t *testing.T) {
	broker := NewBroker()

	if broker == nil {
		t.Fatal("Expected broker to be created")
	}

	if broker.subs == nil {
		t.Error("Expected subscriptions map to be initialized")
	}
}

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker()
	session := NewMockSession("session-1")

	broker.Subscribe("/topic/test", "sub-0", session)

	if n := broker.Subscribers("/topic/test"); n != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n)
	}
}

func TestBroker_Subscribe_SameIdTwice(t *testing.T) {
	broker := NewBroker()
	session := NewMockSession("session-1")

	broker.Subscribe("/topic/test", "sub-0", session)
	broker.Subscribe("/topic/test", "sub-0", session)

	if n := broker.Subscribers("/topic/test"); n != 1 {
		t.Errorf("Expected 1 subscriber after duplicate subscription, got %d", n)
	}
}

func TestBroker_Publish_SetsSubscriptionHeader(t *testing.T) {
	broker := NewBroker()
	session1 := NewMockSession("session-1")
	session2 := NewMockSession("session-2")

	broker.Subscribe("/topic/test", "a", session1)
	broker.Subscribe("/topic/test", "b", session2)

	sent := broker.Publish("/topic/test", []byte(`{"x":1}`), proto.ContentJSON)
	if sent != 2 {
		t.Errorf("Expected 2 deliveries, got %d", sent)
	}

	for session, id := range map[*MockSession]string{session1: "a", session2: "b"} {
		frames := session.Frames()
		if len(frames) != 1 {
			t.Fatalf("Expected 1 frame for %s, got %d", session.Meta().Id, len(frames))
		}
		f := frames[0]
		if f.Command != proto.CmdMessage {
			t.Errorf("Expected MESSAGE, got %s", f.Command)
		}
		if got := f.Header.Get(proto.HdrSubscription); got != id {
			t.Errorf("Expected subscription %s, got %s", id, got)
		}
		if got := f.Header.Get(proto.HdrDestination); got != "/topic/test" {
			t.Errorf("Expected destination /topic/test, got %s", got)
		}
		if f.Header.Get(proto.HdrMessageID) == "" {
			t.Error("Expected a message-id header")
		}
		if string(f.Body) != `{"x":1}` {
			t.Errorf("Unexpected body %q", f.Body)
		}
	}
}

func TestBroker_Publish_NoSubscribers(t *testing.T) {
	broker := NewBroker()

	if sent := broker.Publish("/topic/empty", []byte("{}"), proto.ContentJSON); sent != 0 {
		t.Errorf("Expected no deliveries, got %d", sent)
	}
}

func TestBroker_Publish_SendErrorSkipsSession(t *testing.T) {
	broker := NewBroker()
	good := NewMockSession("good")
	bad := NewMockSession("bad")
	bad.SetSendError(errors.New("connection reset"))

	broker.Subscribe("/topic/test", "1", good)
	broker.Subscribe("/topic/test", "1", bad)

	if sent := broker.Publish("/topic/test", []byte("{}"), proto.ContentJSON); sent != 1 {
		t.Errorf("Expected 1 delivery, got %d", sent)
	}
	if len(good.Frames()) != 1 {
		t.Error("Expected healthy session to still receive the message")
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker()
	session := NewMockSession("session-1")

	broker.Subscribe("/topic/a", "1", session)
	broker.Subscribe("/topic/b", "2", session)
	broker.Unsubscribe("1", session)

	if n := broker.Subscribers("/topic/a"); n != 0 {
		t.Errorf("Expected no subscribers on /topic/a, got %d", n)
	}
	if n := broker.Subscribers("/topic/b"); n != 1 {
		t.Errorf("Expected 1 subscriber on /topic/b, got %d", n)
	}

	// unknown ids are ignored
	broker.Unsubscribe("missing", session)
}

func TestBroker_UnsubscribeAll(t *testing.T) {
	broker := NewBroker()
	session := NewMockSession("session-1")
	other := NewMockSession("session-2")

	broker.Subscribe("/topic/a", "1", session)
	broker.Subscribe("/topic/b", "2", session)
	broker.Subscribe("/topic/b", "1", other)

	broker.UnsubscribeAll(session)

	topics := broker.Topics()
	if len(topics) != 1 || topics[0] != "/topic/b" {
		t.Errorf("Expected only /topic/b to remain, got %v", topics)
	}
	broker.Publish("/topic/a", []byte("{}"), proto.ContentJSON)
	if len(session.Frames()) != 0 {
		t.Error("Expected unsubscribed session to receive nothing")
	}
}

func TestBroker_ConcurrentAccess(t *testing.T) {
	broker := NewBroker()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := NewMockSession("session")
			broker.Subscribe("/topic/test", "sub", session)
			broker.Publish("/topic/test", []byte("{}"), proto.ContentJSON)
			broker.UnsubscribeAll(session)
		}(i)
	}
	wg.Wait()

	if n := broker.Subscribers("/topic/test"); n != 0 {
		t.Errorf("Expected no subscribers left, got %d", n)
	}
}
