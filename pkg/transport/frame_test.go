package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrameReaderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, maxPayload-1).Draw(t, "payload")
		counter := rapid.Uint16().Draw(t, "counter")

		encoded := encodeFrame(counter, payload)

		fr := newFrameReader(bytes.NewReader(encoded))
		got, ctr, err := fr.next()

		require.NoError(t, err)
		assert.Equal(t, counter, ctr)
		assert.Equal(t, payload, got)
	})
}

func TestFrameReaderResyncsOnGarbage(t *testing.T) {
	// Two junk bytes, then a well-formed frame: every 4-byte window that
	// still straddles a junk byte parses as an implausibly large length
	// (0xFFFF, then 0x05FF), forcing a one-byte resync; only the
	// fully-realigned window is valid.
	junk := []byte{0xFF, 0xFF}
	good := encodeFrame(7, []byte("hello"))

	fr := newFrameReader(bytes.NewReader(append(junk, good...)))
	payload, ctr, err := fr.next()

	require.NoError(t, err)
	assert.Equal(t, uint16(7), ctr)
	assert.Equal(t, []byte("hello"), payload)
}

func TestFrameReaderDisconnectsAfterThreeFailures(t *testing.T) {
	// An all-0xFF stream never contains a plausible header (length
	// always exceeds maxPayload), so every byte is a resync failure.
	junk := bytes.Repeat([]byte{0xFF}, 16)

	fr := newFrameReader(bytes.NewReader(junk))
	_, _, err := fr.next()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisconnected)
}
