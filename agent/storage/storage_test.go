package storage

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	s := New(dir, 50*time.Millisecond, 5*time.Millisecond, logger)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.Put("states/global", "default", []byte(`{"k":"v"}`))

	deadline := time.Now().Add(time.Second)
	var got []byte
	var ok bool
	for time.Now().Before(deadline) {
		v, exists, err := s.Get("states/global", "default")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if exists {
			got, ok = v, exists
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok {
		t.Fatal("expected value to become visible after flush")
	}
	if string(got) != `{"k":"v"}` {
		t.Errorf("got %q", got)
	}
}

func TestGetAbsentSentinel(t *testing.T) {
	s := newTestStore(t)
	_, exists, err := s.Get("states/global", "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exists {
		t.Fatal("expected absent for unknown key")
	}
}

func TestStopFlushesPendingWrites(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, time.Hour, log.New(io.Discard, "", 0))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Put("states/global", "default", []byte(`{"a":1}`))
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	path := filepath.Join(dir, "states/global", "default.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file on disk after Stop, got: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("got %q", data)
	}
}

func TestDeleteRemovesCacheAndDisk(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Hour, time.Millisecond, log.New(io.Discard, "", 0))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Put("states/execution", "exec-1", []byte(`{"x":1}`))
	time.Sleep(20 * time.Millisecond)

	if err := s.Delete("states/execution", "exec-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, exists, err := s.Get("states/execution", "exec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exists {
		t.Fatal("expected absent after delete")
	}
}
