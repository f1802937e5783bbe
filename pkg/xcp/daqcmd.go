package xcp

import (
	"context"
	"encoding/binary"
)

// DAQProcessorInfo is GET_DAQ_PROCESSOR_INFO's response, the first
// thing the DAQ engine asks for: how many DAQ lists exist, how they
// are keyed, and whether ODT entries can be configured freely or only
// in a fixed layout.
type DAQProcessorInfo struct {
	MaxDAQ          int
	MaxEventChan    int
	MinDAQ          int
	DynamicDAQ      bool
	PIDOffSupported bool
}

// GetDAQProcessorInfo issues GET_DAQ_PROCESSOR_INFO. It does not set
// the client's DAQ PID floor; that is recorded separately through
// SetDAQPIDFloor.
func (c *Client) GetDAQProcessorInfo(ctx context.Context) (DAQProcessorInfo, error) {
	body, err := c.doCommand(cmdGetDAQProcessorInfo, nil, c.cmdTimeout(ctx))
	if err != nil {
		return DAQProcessorInfo{}, err
	}
	if len(body) < 7 {
		return DAQProcessorInfo{}, newProtocolErr("short GET_DAQ_PROCESSOR_INFO response", 0)
	}

	props := body[0]
	maxDAQ := int(binary.LittleEndian.Uint16(body[1:3]))
	maxEventChan := int(binary.LittleEndian.Uint16(body[3:5]))
	minDAQ := int(body[5])

	info := DAQProcessorInfo{
		MaxDAQ:          maxDAQ,
		MaxEventChan:    maxEventChan,
		MinDAQ:          minDAQ,
		DynamicDAQ:      props&0x01 != 0,
		PIDOffSupported: props&0x08 != 0,
	}

	// GET_DAQ_PROCESSOR_INFO's KEY_BYTE (body[6]) does not carry the PID
	// floor directly on every target; where identification is
	// fixed-event-based rather than ODT-PID-based, callers should use
	// SetDAQPIDFloor directly once the allocation sequence (ALLOC_DAQ /
	// ALLOC_ODT) is complete and list-to-PID assignment is known.
	return info, nil
}

// DAQResolutionInfo is GET_DAQ_RESOLUTION_INFO's response: the
// granularity of the timestamp clock DAQ samples are stamped with.
type DAQResolutionInfo struct {
	TimestampTicksPerUnit int
	TimestampUnitExponent int
	TimestampSize         int // bytes: 0 (none), 1, 2 or 4
}

func (c *Client) GetDAQResolutionInfo(ctx context.Context) (DAQResolutionInfo, error) {
	body, err := c.doCommand(cmdGetDAQResolutionInfo, nil, c.cmdTimeout(ctx))
	if err != nil {
		return DAQResolutionInfo{}, err
	}
	if len(body) < 6 {
		return DAQResolutionInfo{}, newProtocolErr("short GET_DAQ_RESOLUTION_INFO response", 0)
	}
	return DAQResolutionInfo{
		TimestampSize:         int(body[3] & 0x07),
		TimestampTicksPerUnit: int(body[4]),
		TimestampUnitExponent: int(int8(body[5])),
	}, nil
}

// FreeDAQ releases the target's current DAQ configuration so a fresh
// ALLOC_DAQ sequence can start; configuration is rebuilt from scratch
// on every daq_configure() call.
func (c *Client) FreeDAQ(ctx context.Context) error {
	_, err := c.doCommand(cmdFreeDAQ, nil, c.cmdTimeout(ctx))
	return err
}

// AllocDAQ reserves count DAQ lists.
func (c *Client) AllocDAQ(ctx context.Context, count int) error {
	params := make([]byte, 3)
	binary.LittleEndian.PutUint16(params[1:], uint16(count))
	_, err := c.doCommand(cmdAllocDAQ, params, c.cmdTimeout(ctx))
	return err
}

// AllocODT reserves odtCount ODTs within daqList.
func (c *Client) AllocODT(ctx context.Context, daqList int, odtCount int) error {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint16(params[1:3], uint16(daqList))
	params[3] = byte(odtCount)
	_, err := c.doCommand(cmdAllocODT, params, c.cmdTimeout(ctx))
	return err
}

// AllocODTEntry reserves entryCount entries within one ODT of daqList.
func (c *Client) AllocODTEntry(ctx context.Context, daqList, odt, entryCount int) error {
	params := make([]byte, 5)
	binary.LittleEndian.PutUint16(params[1:3], uint16(daqList))
	params[3] = byte(odt)
	params[4] = byte(entryCount)
	_, err := c.doCommand(cmdAllocODTEntry, params, c.cmdTimeout(ctx))
	return err
}

// SetDAQPtr points subsequent WRITE_DAQ calls at one ODT entry slot.
func (c *Client) SetDAQPtr(ctx context.Context, daqList, odt, entry int) error {
	params := make([]byte, 5)
	binary.LittleEndian.PutUint16(params[1:3], uint16(daqList))
	params[3] = byte(odt)
	params[4] = byte(entry)
	_, err := c.doCommand(cmdSetDAQPtr, params, c.cmdTimeout(ctx))
	return err
}

// WriteDAQ assigns the element the DAQ pointer currently addresses to
// one variable's address, size and address extension.
func (c *Client) WriteDAQ(ctx context.Context, size uint8, addr uint32) error {
	params := make([]byte, 7)
	params[0] = size
	params[1] = 0 // address extension
	binary.LittleEndian.PutUint32(params[2:6], addr)
	_, err := c.doCommand(cmdWriteDAQ, params[:6], c.cmdTimeout(ctx))
	return err
}

// WriteDAQMultiple is WRITE_DAQ's batched form: up to eight entries per
// call, reducing the round trips needed to populate a large ODT.
type DAQElement struct {
	Size  uint8
	Addr  uint32
	ODT   uint8
	Entry uint8
}

func (c *Client) WriteDAQMultiple(ctx context.Context, daqList int, elements []DAQElement) error {
	if len(elements) == 0 {
		return nil
	}
	if len(elements) > 8 {
		return newProtocolErr("WRITE_DAQ_MULTIPLE accepts at most 8 elements per call", 0)
	}

	params := make([]byte, 2+8*len(elements))
	params[0] = byte(len(elements))
	for i, e := range elements {
		off := 2 + i*8
		params[off] = e.ODT
		params[off+1] = e.Entry
		binary.LittleEndian.PutUint32(params[off+2:off+6], e.Addr)
		params[off+6] = 0 // address extension
		params[off+7] = e.Size
	}
	_, err := c.doCommand(cmdWriteDAQMultiple, params, c.cmdTimeout(ctx))
	return err
}

// DAQListMode flags for SetDAQListMode.
type DAQListMode struct {
	Selected  bool // this list is part of the current acquisition
	Direction bool // true = STIM (host-to-target), false = DAQ
	Timestamp bool // target should stamp samples with its own clock
}

// SetDAQListMode configures one list's mode and assigns it to an
// acquisition event channel at the given transmission rate prescaler
// and priority.
func (c *Client) SetDAQListMode(ctx context.Context, daqList int, mode DAQListMode, eventChannel int, prescaler uint8, priority uint8) error {
	var modeByte byte
	if mode.Selected {
		modeByte |= 0x01
	}
	if mode.Direction {
		modeByte |= 0x02
	}
	if mode.Timestamp {
		modeByte |= 0x10
	}

	params := make([]byte, 7)
	params[0] = modeByte
	binary.LittleEndian.PutUint16(params[1:3], uint16(daqList))
	binary.LittleEndian.PutUint16(params[3:5], uint16(eventChannel))
	params[5] = prescaler
	params[6] = priority
	_, err := c.doCommand(cmdSetDAQListMode, params, c.cmdTimeout(ctx))
	return err
}

// StartStopDAQList starts or stops one DAQ list without affecting the
// others; mode 1 = start, 0 = stop, 2 = select (stage for a later
// START_STOP_SYNCH). Returns the first PID this list's ODTs use, which
// the caller folds into the running DAQ PID floor.
func (c *Client) StartStopDAQList(ctx context.Context, daqList int, mode byte) (firstPID byte, err error) {
	params := make([]byte, 3)
	params[0] = mode
	binary.LittleEndian.PutUint16(params[1:], uint16(daqList))
	body, err := c.doCommand(cmdStartStopDAQList, params, c.cmdTimeout(ctx))
	if err != nil {
		return 0, err
	}
	if len(body) < 1 {
		return 0, newProtocolErr("short START_STOP_DAQ_LIST response", 0)
	}
	return body[0], nil
}

// StartStopSynch moves all selected lists to running (mode 1) or all
// running lists to stopped (mode 0) atomically, transitioning the
// client's state between DAQConfigured and DAQRunning accordingly.
func (c *Client) StartStopSynch(ctx context.Context, mode byte) error {
	_, err := c.doCommand(cmdStartStopSynch, []byte{mode}, c.cmdTimeout(ctx))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if mode == 0 {
		c.state = DAQConfigured
	} else {
		c.state = DAQRunning
	}
	c.mu.Unlock()
	return nil
}

// MarkDAQConfigured transitions Connected -> DAQConfigured once the DAQ
// engine has finished the ALLOC_DAQ/ALLOC_ODT/ALLOC_ODT_ENTRY/WRITE_DAQ
// sequence. It is a no-op from any other state.
func (c *Client) MarkDAQConfigured() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected {
		c.state = DAQConfigured
	}
}

// GetDAQClock reads the target's free-running DAQ timestamp clock,
// used to correlate host-observed and target-stamped sample times.
func (c *Client) GetDAQClock(ctx context.Context) (uint32, error) {
	body, err := c.doCommand(cmdGetDAQClock, nil, c.cmdTimeout(ctx))
	if err != nil {
		return 0, err
	}
	if len(body) < 7 {
		return 0, newProtocolErr("short GET_DAQ_CLOCK response", 0)
	}
	return binary.LittleEndian.Uint32(body[3:7]), nil
}
