package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPConfig configures the TCP binding. Framing is identical to the
// serial binding.
type TCPConfig struct {
	Address      string // host:port
	DialTimeout  time.Duration
	OnDisconnect DisconnectHandler
}

// TCP is the stream-socket Transport binding, grounded on the
// teacher's agwlib_init/tnc_listen_thread: net.Dial plus one
// background goroutine classifying and forwarding whole frames.
type TCP struct {
	cfg TCPConfig

	mu      sync.Mutex
	conn    net.Conn
	counter uint16
	frames  chan frameResult
	stopCh  chan struct{}
}

func NewTCP(cfg TCPConfig) *TCP {
	return &TCP{cfg: cfg}
}

func (t *TCP) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialTimeout := t.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", t.cfg.Address, dialTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.cfg.Address, err)
	}

	t.conn = conn
	t.frames = make(chan frameResult, 16)
	t.stopCh = make(chan struct{})
	t.counter = 0

	go t.receiveLoop(conn, t.frames, t.stopCh)

	return nil
}

func (t *TCP) receiveLoop(conn net.Conn, out chan<- frameResult, stop <-chan struct{}) {
	fr := newFrameReader(conn)
	for {
		payload, _, err := fr.next()
		if err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrDisconnected, err)
			select {
			case out <- frameResult{err: wrapped}:
			case <-stop:
			}
			if t.cfg.OnDisconnect != nil {
				t.cfg.OnDisconnect(err)
			}
			return
		}
		select {
		case out <- frameResult{payload: payload}:
		case <-stop:
			return
		}
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	close(t.stopCh)
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.counter++
	frame := encodeFrame(t.counter, payload)
	t.mu.Unlock()

	n, err := conn.Write(frame)
	if err != nil || n != len(frame) {
		return fmt.Errorf("%w: short write (%d/%d): %v", ErrDisconnected, n, len(frame), err)
	}
	return nil
}

func (t *TCP) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	ch, stop := t.frames, t.stopCh
	t.mu.Unlock()
	if ch == nil {
		return nil, ErrDisconnected
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-stop:
		return nil, ErrDisconnected
	case <-expired:
		return nil, ErrTimeout
	}
}
