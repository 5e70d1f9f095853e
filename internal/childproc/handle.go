// Package childproc models the opaque handle to a kit (child renderer)
// process: its PID, a duplex framed-message socket, and a liveness
// probe. Lifecycle (creation by
// borrowing from a pool, destruction during Draining) is owned by the
// broker that holds a Handle, not by this package.
package childproc

import (
	"fmt"
	"sync"
	"syscall"

	zmq "github.com/pebbe/zmq4"
)

// Handle is the broker's reference to one live kit process, speaking a
// DEALER socket against the process-wide ROUTER in Pool.
type Handle struct {
	mu sync.Mutex

	kitID  string
	pid    int
	socket *zmq.Socket
	closed bool
}

// NewHandle wraps a connected DEALER socket for the kit identified by
// kitID/pid.
func NewHandle(kitID string, pid int, socket *zmq.Socket) *Handle {
	return &Handle{kitID: kitID, pid: pid, socket: socket}
}

func (h *Handle) KitID() string { return h.kitID }
func (h *Handle) PID() int      { return h.pid }

// Alive probes the child process with signal 0, the conventional
// liveness check, via signal-0 or an equivalent platform probe.
func (h *Handle) Alive() bool {
	if h.pid <= 0 {
		return false
	}
	return syscall.Kill(h.pid, syscall.Signal(0)) == nil
}

// Send writes a framed text command to the kit, e.g. "session <id> <docKey> <docId>".
func (h *Handle) Send(frame string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("childproc: handle for kit %s is closed", h.kitID)
	}
	_, err := h.socket.Send(frame, 0)
	return err
}

// SendBinary writes a framed binary command (e.g. a tile response echoed
// back for diagnostics); most traffic to the kit is textual.
func (h *Handle) SendBinary(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("childproc: handle for kit %s is closed", h.kitID)
	}
	_, err := h.socket.SendBytes(frame, 0)
	return err
}

// Recv reads the next inbound frame from the kit. Callers (the broker's
// poller) are expected to call this only after a readiness notification.
func (h *Handle) Recv() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", fmt.Errorf("childproc: handle for kit %s is closed", h.kitID)
	}
	return h.socket.Recv(0)
}

// Close terminates the child. rude=true skips the graceful "exit"
// message and goes straight to closing the socket.
func (h *Handle) Close(rude bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if !rude {
		_, _ = h.socket.Send("exit", 0)
	}
	h.closed = true
	return h.socket.Close()
}
