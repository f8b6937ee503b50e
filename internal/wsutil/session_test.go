package wsutil

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSessionEnqueueFullQueueReportsFalse(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	logger := zerolog.Nop()
	closedReason := make(chan DropReason, 1)
	s := NewSession(server, 1, logger, "test", func(r DropReason) {
		closedReason <- r
	})

	if !s.Enqueue([]byte("a")) {
		t.Fatal("first enqueue into capacity-1 queue should succeed")
	}
	if s.Enqueue([]byte("b")) {
		t.Fatal("second enqueue into a full capacity-1 queue should report false")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	logger := zerolog.Nop()
	calls := 0
	s := NewSession(server, 4, logger, "test", func(r DropReason) {
		calls++
	})

	s.Close(DropReadError)
	s.Close(DropWriteError)

	if calls != 1 {
		t.Fatalf("onClose called %d times, want 1", calls)
	}
}

func TestSessionWriteLoopFlushesQueuedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	logger := zerolog.Nop()
	s := NewSession(server, 4, logger, "test", func(DropReason) {})
	s.Start()

	if !s.Enqueue([]byte(`{"hello":"world"}`)) {
		t.Fatal("enqueue should succeed")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("expected to read a frame, got error: %v", err)
	}
	if n == 0 {
		t.Fatal("expected non-empty frame")
	}
}
