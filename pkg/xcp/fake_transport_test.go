package xcp

import (
	"sync"
	"time"

	"github.com/ultimaker/telepathy/pkg/transport"
)

// fakeTransport is an in-process stand-in for a real target, exposing
// the same request/response shape as the serial/TCP bindings. sent
// receives every outbound packet; a responder goroutine (set per-test)
// pushes reply packets into inbound.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan []byte
	sent     chan []byte
	closed   bool
	openErr  error
	sendErr  error
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		sent:    make(chan []byte, 16),
	}
}

func (f *fakeTransport) Open() error { return f.openErr }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return f.closeErr
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case f.sent <- cp:
	default:
	}
	return nil
}

func (f *fakeTransport) Receive(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		pkt, ok := <-f.inbound
		if !ok {
			return nil, transport.ErrDisconnected
		}
		return pkt, nil
	}
	select {
	case pkt, ok := <-f.inbound:
		if !ok {
			return nil, transport.ErrDisconnected
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, transport.ErrTimeout
	}
}

// push queues a packet as if the target had sent it.
func (f *fakeTransport) push(pkt []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.inbound <- pkt
}

// nextSent waits for the next outbound packet the client sent.
func (f *fakeTransport) nextSent(timeout time.Duration) ([]byte, bool) {
	select {
	case pkt := <-f.sent:
		return pkt, true
	case <-time.After(timeout):
		return nil, false
	}
}
