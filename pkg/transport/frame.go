package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the length-prefixed frame header used identically by
// both serial and TCP bindings: a little-endian 16-bit length followed
// by a 16-bit host-assigned counter, echoed by the target, then the
// payload. There is no inter-packet delimiter; framing is by length
// only, so resynchronisation after a bad header proceeds one byte at a
// time.
const headerSize = 4

// maxPayload bounds how large a single frame's payload may legitimately
// be. XCP command and DAQ payloads are bounded by the target-reported
// MAX_CTO/MAX_DTO, which in practice never approach this; a length
// field above it is treated as an implausible header rather than an
// attempt to read megabytes into memory, and drives resynchronisation.
const maxPayload = 512

func encodeFrame(counter uint16, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload))) //nolint:gosec
	binary.LittleEndian.PutUint16(buf[2:4], counter)
	copy(buf[headerSize:], payload)
	return buf
}

// frameReader assembles payloads out of a byte stream, discarding
// bytes to resynchronise after an implausible header. It is not
// safe for concurrent use; each binding gives it its own goroutine.
type frameReader struct {
	r        *bufio.Reader
	failures int
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// errFramingFailure is a local sentinel distinguishing a resynchronised
// bad header from a genuine I/O error on the underlying reader.
type errFramingFailure struct{ reason string }

func (e *errFramingFailure) Error() string { return "transport: framing error: " + e.reason }

// next reads one frame, resynchronising on bad headers. It returns the
// payload (header stripped) and the counter the target echoed. After
// maxFramingFailures consecutive framing failures it returns
// ErrDisconnected instead of continuing to hunt for a header. The
// caller is expected to close the link.
func (fr *frameReader) next() (payload []byte, counter uint16, err error) {
	for {
		header, err := fr.r.Peek(headerSize)
		if err != nil {
			return nil, 0, err // genuine I/O error: surfaces as disconnect
		}

		length := binary.LittleEndian.Uint16(header[0:2])
		ctr := binary.LittleEndian.Uint16(header[2:4])

		if int(length) > maxPayload {
			if failErr := fr.resync(); failErr != nil {
				return nil, 0, failErr
			}
			continue
		}
		if _, err := fr.r.Discard(headerSize); err != nil {
			return nil, 0, err
		}

		payload = make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, 0, err
		}

		fr.failures = 0
		return payload, ctr, nil
	}
}

// resync discards one byte and counts the failure, returning
// ErrDisconnected once maxFramingFailures have occurred in a row.
func (fr *frameReader) resync() error {
	fr.failures++
	if fr.failures >= maxFramingFailures {
		return fmt.Errorf("%w: %d consecutive framing failures", ErrDisconnected, fr.failures)
	}
	if _, err := fr.r.ReadByte(); err != nil {
		return err
	}
	return nil
}
