package xcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectAndRespond(t *testing.T, ft *fakeTransport, c *Client) {
	t.Helper()
	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		ft.push(connectResponseBytes())
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
}

func TestGetDAQProcessorInfo(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)
	connectAndRespond(t, ft, c)

	go func() {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdGetDAQProcessorInfo), pkt[0])
		// properties (dynamic), max DAQ=4, max event channels=2, min DAQ=0, key byte
		ft.push([]byte{pidPositiveResponse, 0x01, 0x04, 0x00, 0x02, 0x00, 0x00, 0x00})
	}()

	info, err := c.GetDAQProcessorInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, info.MaxDAQ)
	assert.Equal(t, 2, info.MaxEventChan)
	assert.True(t, info.DynamicDAQ)
}

// TestDAQAllocationSequence exercises the full ALLOC_DAQ/ALLOC_ODT/
// ALLOC_ODT_ENTRY/SET_DAQ_PTR/WRITE_DAQ chain a DAQ engine issues when
// configuring a single one-signal list, then confirms the state
// transition into DAQConfigured and start/stop into DAQRunning.
func TestDAQAllocationSequence(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)
	connectAndRespond(t, ft, c)

	respondOK := func(code byte) {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		require.Equal(t, code, pkt[0])
		ft.push([]byte{pidPositiveResponse})
	}

	go func() {
		respondOK(cmdFreeDAQ)
		respondOK(cmdAllocDAQ)
		respondOK(cmdAllocODT)
		respondOK(cmdAllocODTEntry)
		respondOK(cmdSetDAQPtr)
		respondOK(cmdWriteDAQ)
		respondOK(cmdSetDAQListMode)
	}()

	ctx := context.Background()
	require.NoError(t, c.FreeDAQ(ctx))
	require.NoError(t, c.AllocDAQ(ctx, 1))
	require.NoError(t, c.AllocODT(ctx, 0, 1))
	require.NoError(t, c.AllocODTEntry(ctx, 0, 0, 1))
	require.NoError(t, c.SetDAQPtr(ctx, 0, 0, 0))
	require.NoError(t, c.WriteDAQ(ctx, 4, 0x2000))
	require.NoError(t, c.SetDAQListMode(ctx, 0, DAQListMode{Selected: true}, 0, 1, 0))

	c.MarkDAQConfigured()
	assert.Equal(t, DAQConfigured, c.State())

	go func() {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdStartStopSynch), pkt[0])
		assert.Equal(t, byte(1), pkt[1])
		ft.push([]byte{pidPositiveResponse})
	}()
	require.NoError(t, c.StartStopSynch(ctx, 1))
	assert.Equal(t, DAQRunning, c.State())
}
