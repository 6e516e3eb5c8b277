package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestNewSessionID(t *testing.T) {
	sessID := NewSessionID()

	if !strings.HasPrefix(sessID, "sess_") {
		t.Errorf("session id should start with 'sess_', got: %s", sessID)
	}
	if len(sessID) != len("sess_")+26 {
		t.Errorf("unexpected session id length: %s", sessID)
	}
	if !IsGenerated(sessID) {
		t.Errorf("session id should be recognised as generated: %s", sessID)
	}
}

func TestIsGenerated(t *testing.T) {
	invalid := []string{
		"",
		"sess_",
		"s1",
		"sess_zzzzzzzzzzzzzzzzzzzzzzzzzzz",
		"app_01ARZ3NDEKTSV4RRFFQ69G5FAV",
	}

	for _, id := range invalid {
		if IsGenerated(id) {
			t.Errorf("id should not be recognised as generated: %q", id)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now()
	id := NewSessionID()
	after := time.Now()

	ts, err := Timestamp(id)
	if err != nil {
		t.Fatalf("Failed to extract timestamp: %v", err)
	}

	// ULID timestamps have millisecond precision
	if ts.UnixMilli() < before.UnixMilli() || ts.UnixMilli() > after.UnixMilli() {
		t.Errorf("timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const goroutines = 50
	const idsPerGoroutine = 50

	var wg sync.WaitGroup
	idChan := make(chan string, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				idChan <- NewSessionID()
			}
		}()
	}

	wg.Wait()
	close(idChan)

	seen := make(map[string]bool)
	for id := range idChan {
		if seen[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
