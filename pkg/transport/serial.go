package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/term"
)

// SerialConfig configures the serial binding. Grounded directly on the
// teacher's serial_port_open: a device name and an optional fixed baud
// rate, left alone when zero.
type SerialConfig struct {
	Device string
	Baud   int // 0 leaves the current speed alone

	// ResetLine, if non-nil, is toggled low-then-high before the port
	// is read from, resetting a target wired to a host-controlled GPIO
	// reset pin. Most hosts have no such line; leave nil.
	ResetLine Resetter

	OnDisconnect DisconnectHandler
}

// Resetter pulses a hardware reset line. See gpioreset.go for the
// go-gpiocdev-backed implementation.
type Resetter interface {
	Pulse() error
}

// Serial is the serial-port Transport binding.
type Serial struct {
	cfg SerialConfig

	mu        sync.Mutex
	port      *term.Term
	counter   uint16
	frames    chan frameResult
	closeOnce sync.Once
	stopCh    chan struct{}
}

type frameResult struct {
	payload []byte
	err     error
}

// NewSerial constructs a Serial binding. Open must still be called.
func NewSerial(cfg SerialConfig) *Serial {
	return &Serial{cfg: cfg}
}

func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	if s.cfg.ResetLine != nil {
		if err := s.cfg.ResetLine.Pulse(); err != nil {
			return fmt.Errorf("transport: reset line: %w", err)
		}
	}

	port, err := term.Open(s.cfg.Device, term.RawMode)
	if err != nil {
		return fmt.Errorf("transport: open serial %s: %w", s.cfg.Device, err)
	}

	switch s.cfg.Baud {
	case 0:
		// leave it alone
	default:
		if err := port.SetSpeed(s.cfg.Baud); err != nil {
			port.Close() //nolint:errcheck
			return fmt.Errorf("transport: set speed %d: %w", s.cfg.Baud, err)
		}
	}

	s.port = port
	s.frames = make(chan frameResult, 16)
	s.stopCh = make(chan struct{})
	s.closeOnce = sync.Once{}
	s.counter = 0

	go s.receiveLoop(port, s.frames, s.stopCh)

	return nil
}

func (s *Serial) receiveLoop(port *term.Term, out chan<- frameResult, stop <-chan struct{}) {
	fr := newFrameReader(port)
	for {
		payload, _, err := fr.next()
		if err != nil {
			select {
			case out <- frameResult{err: fmt.Errorf("%w: %v", ErrDisconnected, err)}:
			case <-stop:
			}
			if s.cfg.OnDisconnect != nil {
				s.cfg.OnDisconnect(err)
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

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}

	s.closeOnce.Do(func() { close(s.stopCh) })
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Send(payload []byte) error {
	s.mu.Lock()
	port := s.port
	if port == nil {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.counter++
	frame := encodeFrame(s.counter, payload)
	s.mu.Unlock()

	n, err := port.Write(frame)
	if err != nil || n != len(frame) {
		return fmt.Errorf("%w: short write (%d/%d): %v", ErrDisconnected, n, len(frame), err)
	}
	return nil
}

func (s *Serial) Receive(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	ch, stop := s.frames, s.stopCh
	s.mu.Unlock()
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
