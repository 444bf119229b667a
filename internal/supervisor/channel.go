package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MsgKind is the closed set of messages carried by a Channel.
type MsgKind int

const (
	MsgKill MsgKind = iota + 1
	MsgStillActive
	MsgEvent
)

func (k MsgKind) String() string {
	switch k {
	case MsgKill:
		return "kill"
	case MsgStillActive:
		return "still_active"
	case MsgEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Msg is one message; Event is meaningful only for MsgEvent.
type Msg struct {
	Kind  MsgKind
	Event Event
}

var (
	ErrRecvTimeout  = errors.New("signal channel: receive timed out")
	ErrDisconnected = errors.New("signal channel: peer disconnected")
)

const (
	workerBuffer  = 256
	monitorBuffer = 1
)

// Channel is one half of a duplex link. Each half sends on its own outbound
// direction and receives from the peer's.
type Channel struct {
	in  <-chan Msg
	out chan Msg

	// coalesce drops a Kill when one is already pending.
	coalesce bool

	mu     sync.RWMutex
	closed bool
}

// NewChannel returns the monitor half and the worker half of a new link.
func NewChannel() (monitorHalf, workerHalf *Channel) {
	toMonitor := make(chan Msg, workerBuffer)
	toWorker := make(chan Msg, monitorBuffer)
	monitorHalf = &Channel{in: toMonitor, out: toWorker, coalesce: true}
	workerHalf = &Channel{in: toWorker, out: toMonitor}
	return monitorHalf, workerHalf
}

// Send delivers m to the peer, blocking while the outbound buffer is full.
func (c *Channel) Send(ctx context.Context, m Msg) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrDisconnected
	}
	if c.coalesce && m.Kind == MsgKill {
		select {
		case c.out <- m:
		default:
		}
		return nil
	}
	select {
	case c.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits up to timeout for the next message from the peer.
func (c *Channel) Recv(timeout time.Duration) (Msg, error) {
	return c.recv(context.Background(), timeout)
}

func (c *Channel) recv(ctx context.Context, timeout time.Duration) (Msg, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m, ok := <-c.in:
		if !ok {
			return Msg{}, ErrDisconnected
		}
		return m, nil
	case <-timer.C:
		return Msg{}, ErrRecvTimeout
	case <-ctx.Done():
		return Msg{}, ctx.Err()
	}
}

// TryRecv returns a pending message without waiting. ok is false when none is
// buffered; err is ErrDisconnected once the peer closed and the buffer is empty.
func (c *Channel) TryRecv() (m Msg, ok bool, err error) {
	select {
	case m, open := <-c.in:
		if !open {
			return Msg{}, false, ErrDisconnected
		}
		return m, true, nil
	default:
		return Msg{}, false, nil
	}
}

// Close ends this half's outbound direction. Messages already buffered are
// still delivered. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}
