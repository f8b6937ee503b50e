// Package wsutil provides the generic per-connection session shared by
// all three services: a reader/writer goroutine pair bound by a bounded
// send queue, ping/pong keepalive, and the slow-consumer drop policy.
// Grounded on the teacher's internal/shared/pump_read.go, pump_write.go
// and server.go timing constants, generalized so the firehose,
// aggregator and filtered proxy each get one session type instead of
// three separate hand-rolled read/write pumps.
package wsutil

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/wotanvonklass/polygon-proxy/internal/obslog"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DropReason classifies why a Session's connection was torn down.
type DropReason string

const (
	DropReadError     DropReason = "read_error"
	DropWriteError    DropReason = "write_error"
	DropSlowConsumer  DropReason = "slow_consumer"
	DropServerClosed  DropReason = "server_closed"
)

// Session wraps one accepted (server-side) WebSocket connection with a
// bounded outbound queue and background writer. Callers drive the read
// side explicitly via ReadLoop; Session owns the write side via its own
// goroutine, started by Start.
type Session struct {
	Conn net.Conn

	send     chan []byte
	closed   atomic.Bool
	closeMu  sync.Mutex
	onClose  func(DropReason)
	logger   zerolog.Logger
	label    string // identifies this session in logs, e.g. "client-42" or "firehose-consumer-42"
}

// NewSession wraps conn with a send queue of the given capacity.
// onClose is invoked exactly once, with the reason the session ended.
func NewSession(conn net.Conn, queueCapacity int, logger zerolog.Logger, label string, onClose func(DropReason)) *Session {
	return &Session{
		Conn:    conn,
		send:    make(chan []byte, queueCapacity),
		logger:  logger,
		label:   label,
		onClose: onClose,
	}
}

// Start launches the writer goroutine (batching queued frames, sending
// periodic pings). Callers must separately drive ReadLoop (or a custom
// read loop) on their own goroutine.
func (s *Session) Start() {
	go s.writeLoop()
}

// Enqueue attempts a non-blocking send of a frame. Returns false if the
// queue is full — callers treat this as a slow-consumer signal and
// should call Close(DropSlowConsumer).
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the session down exactly once, invoking onClose with
// reason.
func (s *Session) Close(reason DropReason) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Swap(true) {
		return
	}
	s.Conn.Close()
	if s.onClose != nil {
		s.onClose(reason)
	}
}

// ReadLoop reads frames from the connection, dispatching text frames to
// handleText, until the connection errors or closes. Call on its own
// goroutine; it blocks until the session ends and calls Close itself on
// exit if not already closed.
func (s *Session) ReadLoop(handleText func(msg []byte)) {
	defer obslog.RecoverPanic(s.logger, "wsutil.ReadLoop", map[string]any{"session": s.label})

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(s.Conn)
		if err != nil {
			s.Close(DropReadError)
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			handleText(msg)
		case ws.OpClose:
			s.Close(DropReadError)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer obslog.RecoverPanic(s.logger, "wsutil.writeLoop", map[string]any{"session": s.label})

	writer := bufio.NewWriter(s.Conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
				s.Close(DropWriteError)
				return
			}
			// Drain and batch whatever else is queued, matching the
			// teacher's write-pump batching to cut syscalls under load.
			n := len(s.send)
			for i := 0; i < n; i++ {
				msg = <-s.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
					s.Close(DropWriteError)
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.Close(DropWriteError)
				return
			}
		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.Conn, ws.OpPing, nil); err != nil {
				s.Close(DropWriteError)
				return
			}
		}
	}
}
