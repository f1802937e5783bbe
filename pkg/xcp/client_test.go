package xcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectResponseBytes() []byte {
	// resource mask (DAQ+calibration), comm mode (little-endian, no
	// timestamp), MAX_CTO=8, MAX_DTO=8, protocol 1.0
	return []byte{pidPositiveResponse, 0x05, 0x00, 0x08, 0x08, 0x00, 0x01, 0x00}
}

func TestClientConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, []byte{cmdConnect, 0x00}, pkt)
		ft.push(connectResponseBytes())
	}()

	info, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, info.MaxCTO)
	assert.Equal(t, 8, info.MaxDTO)
	assert.True(t, info.Resources.DAQ)
	assert.True(t, info.Resources.Calibration)
	assert.Equal(t, Connected, c.State())
}

func TestClientNegativeResponse(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		ft.push(connectResponseBytes())
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	go func() {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdGetStatus), pkt[0])
		ft.push([]byte{pidNegativeResponse, ErrAccessLocked})
	}()

	_, err = c.doCommand(cmdGetStatus, nil, time.Second)
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, KindProtocol, xerr.Kind)
	assert.Equal(t, byte(ErrAccessLocked), xerr.ProtocolCode)
}

// TestClientOneInFlight drives two commands concurrently through the
// same client and checks each gets back the response matching its own
// request, never the other's: cmdMu serialises doCommand, so a single
// responder reading one request at a time and replying before reading
// the next can never see them interleaved.
func TestClientOneInFlight(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		ft.push(connectResponseBytes())
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2; i++ {
			pkt, ok := ft.nextSent(2 * time.Second)
			require.True(t, ok)
			switch pkt[0] {
			case cmdGetStatus:
				ft.push([]byte{pidPositiveResponse, 0xAA})
			case cmdSynch:
				ft.push([]byte{pidPositiveResponse, 0xBB})
			default:
				t.Errorf("unexpected command 0x%02X", pkt[0])
			}
		}
	}()

	var wg2 sync.WaitGroup
	wg2.Add(2)
	go func() {
		defer wg2.Done()
		body, err := c.doCommand(cmdGetStatus, nil, 2*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, []byte{0xAA}, body)
	}()
	go func() {
		defer wg2.Done()
		body, err := c.doCommand(cmdSynch, nil, 2*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, []byte{0xBB}, body)
	}()

	wg2.Wait()
	wg.Wait()
}

func TestClientCommandTimeoutDisconnects(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		ft.push(connectResponseBytes())
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	_, err = c.doCommand(cmdGetStatus, nil, 30*time.Millisecond)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return c.State() == Disconnected
	}, time.Second, 5*time.Millisecond)
}

func TestClientUploadChunks(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		// MAX_CTO=4 forces Upload to split an 10-byte read into chunks
		// of 3 bytes (chunk = MAX_CTO - 1).
		ft.push([]byte{pidPositiveResponse, 0x05, 0x00, 0x04, 0x04, 0x00, 0x01, 0x00})
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	want := []byte{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	go func() {
		// SET_MTA
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdSetMTA), pkt[0])
		ft.push([]byte{pidPositiveResponse})

		offset := 0
		for offset < len(want) {
			pkt, ok := ft.nextSent(time.Second)
			require.True(t, ok)
			require.Equal(t, byte(cmdUpload), pkt[0])
			n := int(pkt[1])
			reply := append([]byte{pidPositiveResponse}, want[offset:offset+n]...)
			ft.push(reply)
			offset += n
		}
	}()

	got, err := c.Upload(context.Background(), 0x1000, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
