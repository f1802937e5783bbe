package xcp

import (
	"context"
	"encoding/binary"
)

// shortUploadMaxLen is the largest read SHORT_UPLOAD can satisfy in one
// round trip: its command packet carries [code][len][addr ext][addr
// 4 bytes], leaving the rest of MAX_CTO as the limit on requested
// length, but the field itself is one byte wide.
const shortUploadMaxLen = 255

// SetMTA points the target's Memory Transfer Address at addr (address
// extension 0; non-default address extensions are unsupported).
// Upload/Download below call this only when the natural auto-increment
// of the previous response does not already leave the MTA in the right
// place.
func (c *Client) SetMTA(ctx context.Context, addr uint32) error {
	params := make([]byte, 6)
	params[0] = 0 // reserved
	params[1] = 0 // address extension
	binary.LittleEndian.PutUint32(params[2:6], addr)
	_, err := c.doCommand(cmdSetMTA, params, c.cmdTimeout(ctx))
	return err
}

// ShortUpload reads up to shortUploadMaxLen bytes starting at addr in a
// single command, without disturbing the MTA. Upload does not use it
// (Upload always starts with SET_MTA); it serves callers who just want
// a few bytes without SET_MTA/UPLOAD's two round trips.
func (c *Client) ShortUpload(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length < 0 || length > shortUploadMaxLen {
		return nil, newProtocolErr("SHORT_UPLOAD length out of range", 0)
	}
	params := make([]byte, 6)
	params[0] = byte(length)
	params[1] = 0 // reserved
	params[2] = 0 // address extension
	binary.LittleEndian.PutUint32(params[3:], addr)
	return c.doCommand(cmdShortUpload, params, c.cmdTimeout(ctx))
}

// Upload reads length bytes starting at addr, chunking the read across
// as many UPLOAD commands as MAX_CTO requires. UPLOAD auto-increments
// the target's MTA by the number of bytes returned, so SET_MTA is only
// issued once up front; subsequent chunks simply issue another UPLOAD.
func (c *Client) Upload(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if length < 0 {
		return nil, newProtocolErr("UPLOAD length out of range", 0)
	}

	if err := c.SetMTA(ctx, addr); err != nil {
		return nil, err
	}

	maxCTO := c.ConnectInfo().MaxCTO
	chunk := maxCTO - 1 // one byte of MAX_CTO is the UPLOAD command/length overhead
	if chunk <= 0 {
		return nil, newProtocolErr("MAX_CTO too small to carry any UPLOAD payload", 0)
	}

	out := make([]byte, 0, length)
	for remaining := length; remaining > 0; {
		n := remaining
		if n > chunk {
			n = chunk
		}
		body, err := c.doCommand(cmdUpload, []byte{byte(n)}, c.cmdTimeout(ctx))
		if err != nil {
			return nil, err
		}
		if len(body) < n {
			return nil, newProtocolErr("UPLOAD returned fewer bytes than requested", 0)
		}
		out = append(out, body[:n]...)
		remaining -= n
	}
	return out, nil
}

// Download writes data starting at addr, chunking across as many
// DOWNLOAD commands as MAX_CTO requires. Like Upload, only one SET_MTA
// is needed: DOWNLOAD auto-increments the MTA by the number of bytes
// written.
func (c *Client) Download(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := c.SetMTA(ctx, addr); err != nil {
		return err
	}

	maxCTO := c.ConnectInfo().MaxCTO
	chunk := maxCTO - 2 // DOWNLOAD overhead: command byte + element-count byte
	if chunk <= 0 {
		return newProtocolErr("MAX_CTO too small to carry any DOWNLOAD payload", 0)
	}

	for offset := 0; offset < len(data); {
		n := len(data) - offset
		if n > chunk {
			n = chunk
		}
		params := make([]byte, 1+n)
		params[0] = byte(n)
		copy(params[1:], data[offset:offset+n])
		if _, err := c.doCommand(cmdDownload, params, c.cmdTimeout(ctx)); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// ReadPointee reads a pointer stored at ptrAddr (pointerWidth bytes,
// little-endian on the target unless ConnectInfo says otherwise), then
// reads length bytes from the address it points to. Variables reached
// through a target-side pointer cost one extra round trip: the pointer
// itself, then the pointee.
func (c *Client) ReadPointee(ctx context.Context, ptrAddr uint32, pointerWidth, length int) ([]byte, error) {
	raw, err := c.Upload(ctx, ptrAddr, pointerWidth)
	if err != nil {
		return nil, err
	}

	var target uint32
	order := c.ConnectInfo().ByteOrder
	switch pointerWidth {
	case 2:
		if order.String() == "big-endian" {
			target = uint32(binary.BigEndian.Uint16(raw))
		} else {
			target = uint32(binary.LittleEndian.Uint16(raw))
		}
	case 4:
		if order.String() == "big-endian" {
			target = binary.BigEndian.Uint32(raw)
		} else {
			target = binary.LittleEndian.Uint32(raw)
		}
	default:
		return nil, newProtocolErr("unsupported pointer width", 0)
	}

	return c.Upload(ctx, target, length)
}
