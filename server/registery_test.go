package server

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewSessionRegistry(t *testing.T) {
	registry := NewSessionRegistry()

	if registry == nil {
		t.Fatal("Expected registry to be created")
	}

	if registry.store == nil {
		t.Error("Expected store map to be initialized")
	}
}

func TestSessionRegistry_StoreGetDelete(t *testing.T) {
	registry := NewSessionRegistry()
	session := NewMockSession("test-session")

	registry.Store(session)

	stored, exists := registry.Get("test-session")
	if !exists {
		t.Fatal("Expected session to be stored")
	}
	if stored != session {
		t.Error("Expected stored session to match")
	}
	if registry.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", registry.Len())
	}

	removed, ok := registry.Delete("test-session")
	if !ok || removed != session {
		t.Error("Expected Delete to return the stored session")
	}
	if _, exists := registry.Get("test-session"); exists {
		t.Error("Expected session to be deleted")
	}
	if _, ok := registry.Delete("test-session"); ok {
		t.Error("Expected second Delete to report nothing removed")
	}
}

func TestSessionRegistry_StoreStampsOpened(t *testing.T) {
	registry := NewSessionRegistry()
	session := NewMockSession("stamped")

	before := time.Now()
	if !registry.Store(session) {
		t.Fatal("Expected first Store to succeed")
	}

	meta := session.Meta()
	if meta.Opened.Before(before) {
		t.Errorf("Expected Opened to be set, got %v", meta.Opened)
	}
	if !meta.LastSeen.Equal(meta.Opened) {
		t.Errorf("Expected LastSeen %v to equal Opened %v", meta.LastSeen, meta.Opened)
	}
}

func TestSessionRegistry_StoreKeepsFirst(t *testing.T) {
	registry := NewSessionRegistry()
	first := NewMockSession("dup")
	second := NewMockSession("dup")

	registry.Store(first)
	if registry.Store(second) {
		t.Error("Expected duplicate Store to be refused")
	}

	stored, _ := registry.Get("dup")
	if stored != first {
		t.Error("Expected the first session to be kept")
	}
}

func TestSessionRegistry_ConcurrentDeleteRemovesOnce(t *testing.T) {
	registry := NewSessionRegistry()
	registry.Store(NewMockSession("contended"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := registry.Delete("contended"); ok {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if removed != 1 {
		t.Errorf("Expected exactly one successful Delete, got %d", removed)
	}
}

func TestSessionRegistry_List(t *testing.T) {
	registry := NewSessionRegistry()
	for i := 0; i < 3; i++ {
		registry.Store(NewMockSession(fmt.Sprintf("session-%d", i)))
	}

	if list := registry.List(); len(list) != 3 {
		t.Errorf("Expected 3 sessions, got %d", len(list))
	}
}

func TestSessionRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewSessionRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			registry.Store(NewMockSession(id))
			registry.Get(id)
			registry.List()
		}(i)
	}
	wg.Wait()

	if registry.Len() != 20 {
		t.Errorf("Expected 20 sessions, got %d", registry.Len())
	}
}
