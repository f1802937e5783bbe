package xcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDownloadChunks(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		// MAX_CTO=5 -> DOWNLOAD payload chunk = MAX_CTO - 2 = 3
		ft.push([]byte{pidPositiveResponse, 0x05, 0x00, 0x05, 0x05, 0x00, 0x01, 0x00})
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5, 6, 7}

	go func() {
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdSetMTA), pkt[0])
		ft.push([]byte{pidPositiveResponse})

		var got []byte
		for len(got) < len(data) {
			pkt, ok := ft.nextSent(time.Second)
			require.True(t, ok)
			require.Equal(t, byte(cmdDownload), pkt[0])
			n := int(pkt[1])
			got = append(got, pkt[2:2+n]...)
			ft.push([]byte{pidPositiveResponse})
		}
		assert.Equal(t, data, got)
	}()

	require.NoError(t, c.Download(context.Background(), 0x3000, data))
}

func TestClientReadPointee(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	go func() {
		_, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		ft.push(connectResponseBytes()) // MAX_CTO=8, little-endian
	}()
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	go func() {
		// SET_MTA to pointer address, then UPLOAD 4 bytes = the pointer value
		pkt, ok := ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdSetMTA), pkt[0])
		ft.push([]byte{pidPositiveResponse})

		pkt, ok = ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdUpload), pkt[0])
		ft.push([]byte{pidPositiveResponse, 0x00, 0x40, 0x00, 0x00}) // pointee addr 0x4000

		// SET_MTA to pointee address, then UPLOAD the payload
		pkt, ok = ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdSetMTA), pkt[0])
		ft.push([]byte{pidPositiveResponse})

		pkt, ok = ft.nextSent(time.Second)
		require.True(t, ok)
		assert.Equal(t, byte(cmdUpload), pkt[0])
		ft.push([]byte{pidPositiveResponse, 0xAB, 0xCD})
	}()

	got, err := c.ReadPointee(context.Background(), 0x1000, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, got)
}
