// Package xcp is the host-side half of the XCP calibration/measurement
// protocol: connection lifecycle, memory access, and DAQ setup
// commands, all funnelled through a single request/response rendezvous
// so that at most one command is ever outstanding on a connection. One
// background receiver goroutine classifies everything inbound and
// either wakes the waiting caller or routes the packet sideband.
package xcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/transport"
)

// DefaultCommandTimeout is used when a caller does not specify one.
// A command that times out kills the connection rather than retrying:
// retrying blind into a target that may be mid-write is unsafe.
const DefaultCommandTimeout = 2 * time.Second

// EventHandler and ServiceRequestHandler receive asynchronous packets
// sideband. Both are optional; nil means "log and ignore". The client
// sends nothing back to the target for either kind of packet.
type EventHandler func(body []byte)
type ServiceRequestHandler func(body []byte)

// DAQSink receives raw DAQ packets for reassembly by pkg/daq. The
// client does not interpret DAQ payloads itself: reassembly is the DAQ
// engine's job, this only routes them off the wire.
type DAQSink func(raw []byte)

// Client is one XCP connection. Connect/Disconnect are not meant to
// race each other, but command methods (Upload, Download, the DAQ
// setup commands, ...) may be called concurrently from multiple
// goroutines: cmdMu serialises them so exactly one command is ever
// outstanding.
type Client struct {
	t transport.Transport

	log              *log.Logger
	onEvent          EventHandler
	onServiceRequest ServiceRequestHandler
	daqSink          DAQSink

	cmdMu sync.Mutex // held for the whole of one doCommand call

	mu        sync.Mutex // protects everything below
	state     State
	info      ConnectInfo
	pendingCh chan inboundPacket

	daqPIDFloor   int
	daqFloorKnown bool

	group  *errgroup.Group
	stopCh chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithLogger(l *log.Logger) Option { return func(c *Client) { c.log = l } }
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.onEvent = h }
}
func WithServiceRequestHandler(h ServiceRequestHandler) Option {
	return func(c *Client) { c.onServiceRequest = h }
}
func WithDAQSink(sink DAQSink) Option { return func(c *Client) { c.daqSink = sink } }

// SetDAQSink installs the DAQ packet sink after construction, for
// callers (the DAQ engine) that only exist once Connect has already
// succeeded and negotiated MAX_CTO/MAX_DTO.
func (c *Client) SetDAQSink(sink DAQSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daqSink = sink
}

func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{t: t, log: log.Default(), state: Disconnected}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ConnectInfo() ConnectInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SetDAQPIDFloor records the highest packet identifier the target
// uses for DAQ traffic, which the DAQ engine derives from the first
// PIDs START_STOP_DAQ_LIST returns. Until this is called, any
// non-RES/ERR/EV/SERV packet is logged and dropped as unrecognised.
func (c *Client) SetDAQPIDFloor(floor int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daqPIDFloor = floor
	c.daqFloorKnown = true
}

// Connect opens the transport, performs the XCP CONNECT handshake, and
// starts the receiver goroutine. Only legal from Disconnected.
func (c *Client) Connect(ctx context.Context) (ConnectInfo, error) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ConnectInfo{}, newStateErr("CONNECT only legal from DISCONNECTED")
	}
	c.mu.Unlock()

	if err := c.t.Open(); err != nil {
		return ConnectInfo{}, newTransportErr(err)
	}

	c.stopCh = make(chan struct{})
	group, _ := errgroup.WithContext(context.Background())
	c.group = group
	group.Go(func() error {
		c.receiveLoop()
		return nil
	})

	body, err := c.doCommand(cmdConnect, []byte{0x00}, c.cmdTimeout(ctx))
	if err != nil {
		c.t.Close() //nolint:errcheck
		return ConnectInfo{}, err
	}

	info, err := parseConnectResponse(body)
	if err != nil {
		c.t.Close() //nolint:errcheck
		return ConnectInfo{}, &Error{Kind: KindProtocol, Message: "malformed CONNECT response", Cause: err}
	}

	c.mu.Lock()
	c.info = info
	c.state = Connected
	c.mu.Unlock()

	return info, nil
}

func parseConnectResponse(body []byte) (ConnectInfo, error) {
	// Layout: [resource mask][comm mode byte (bit0: byte order)][MAX_CTO]
	// [MAX_DTO lo][MAX_DTO hi][protocol major][protocol minor]
	if len(body) < 7 {
		return ConnectInfo{}, fmt.Errorf("short CONNECT response: %d bytes", len(body))
	}

	resourceMask := body[0]
	commMode := body[1]
	maxCTO := int(body[2])
	maxDTO := int(body[3]) | int(body[4])<<8
	protoMaj := int(body[5])
	protoMin := int(body[6])

	order := symbol.LittleEndian
	if commMode&0x01 != 0 {
		order = symbol.BigEndian
	}

	return ConnectInfo{
		ByteOrder: order,
		MaxCTO:    maxCTO,
		MaxDTO:    maxDTO,
		Resources: Resources{
			DAQ:         resourceMask&0x04 != 0,
			Calibration: resourceMask&0x01 != 0,
			PGM:         resourceMask&0x10 != 0,
			STIM:        resourceMask&0x08 != 0,
		},
		ProtocolMaj:        protoMaj,
		ProtocolMin:        protoMin,
		TimestampSupported: commMode&0x02 != 0,
	}, nil
}

// Disconnect stops DAQ if running, sends DISCONNECT, and closes the
// transport. Legal from any state: closing first stops DAQ if running,
// then disconnects.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == Disconnected {
		return nil
	}

	if state == DAQRunning {
		if _, err := c.doCommand(cmdStartStopSynch, []byte{0x00}, c.cmdTimeout(ctx)); err != nil {
			c.log.Warn("stop-all before disconnect failed", "err", err)
		}
	}

	_, _ = c.doCommand(cmdDisconnect, nil, c.cmdTimeout(ctx))

	return c.teardown()
}

// teardown unconditionally tears the connection down: it closes the
// transport, fails any outstanding waiter, stops the receiver, and
// resets state to Disconnected. Used both by a clean Disconnect and by
// the receiver loop reacting to a transport failure. Safe to call more
// than once.
func (c *Client) teardown() error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnected
	pendingCh := c.pendingCh
	c.mu.Unlock()

	if pendingCh != nil {
		select {
		case pendingCh <- inboundPacket{kind: kindError, errCode: 0, body: nil}:
		default:
		}
	}

	err := c.t.Close()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	return err
}

func (c *Client) cmdTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return DefaultCommandTimeout
}

// receiveLoop runs for the lifetime of the connection, classifying
// every inbound packet and either completing the outstanding command
// or routing the packet sideband (events logged, service-requests
// handed to the callback, DAQ forwarded to the sink). A transport
// error or three consecutive framing failures here tears the whole
// connection down.
func (c *Client) receiveLoop() {
	for {
		raw, err := c.t.Receive(0)
		if err != nil {
			if errors.Is(err, transport.ErrDisconnected) {
				c.teardown() //nolint:errcheck
				return
			}
			c.log.Error("transport receive error", "err", err)
			c.teardown() //nolint:errcheck
			return
		}

		c.mu.Lock()
		floor, floorKnown := c.daqPIDFloor, c.daqFloorKnown
		pendingCh := c.pendingCh
		daqSink := c.daqSink
		c.mu.Unlock()

		pkt, err := classify(raw, floor, floorKnown)
		if err != nil {
			c.log.Warn("unrecognised packet, dropping", "err", err)
			continue
		}

		switch pkt.kind {
		case kindResponse, kindError:
			if pendingCh != nil {
				select {
				case pendingCh <- pkt:
				default:
					c.log.Warn("response arrived with no outstanding command, dropping")
				}
			}
		case kindEvent:
			if c.onEvent != nil {
				c.onEvent(pkt.body)
			} else {
				c.log.Debug("XCP event", "body", pkt.body)
			}
		case kindServiceRequest:
			if c.onServiceRequest != nil {
				c.onServiceRequest(pkt.body)
			} else {
				c.log.Debug("XCP service request", "body", pkt.body)
			}
		case kindDAQ:
			if daqSink != nil {
				daqSink(pkt.body)
			}
		}
	}
}

// doCommand sends one CMD packet and waits for its matching RES/ERR.
// cmdMu enforces the one-in-flight rule directly: a second concurrent
// caller simply blocks on the mutex until this call returns.
func (c *Client) doCommand(code byte, params []byte, timeout time.Duration) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.state == Disconnected && code != cmdConnect {
		c.mu.Unlock()
		return nil, newStateErr(fmt.Sprintf("command 0x%02X illegal in state %s", code, Disconnected))
	}
	ch := make(chan inboundPacket, 1)
	c.pendingCh = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pendingCh == ch {
			c.pendingCh = nil
		}
		c.mu.Unlock()
	}()

	if err := c.t.Send(encodeCommand(code, params...)); err != nil {
		return nil, newTransportErr(err)
	}

	select {
	case pkt := <-ch:
		if pkt.body == nil && pkt.kind == kindError && pkt.errCode == 0 {
			// Synthetic packet from teardown(): the connection died
			// while this command was outstanding.
			return nil, newTransportErr(transport.ErrDisconnected)
		}
		if pkt.kind == kindError {
			return nil, newProtocolErr("negative response", pkt.errCode)
		}
		return pkt.body, nil
	case <-time.After(timeout):
		// No retry: blind retry into a target that may be mid-write is
		// unsafe. Mark the connection dead instead.
		go c.teardown() //nolint:errcheck
		return nil, newTransportErr(fmt.Errorf("command 0x%02X timed out after %s", code, timeout))
	}
}
