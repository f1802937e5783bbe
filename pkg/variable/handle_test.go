package variable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

type fakeMemClient struct {
	mem  map[uint32][]byte
	info xcp.ConnectInfo
}

func (f *fakeMemClient) Upload(_ context.Context, addr uint32, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f.mem[addr])
	return out, nil
}

func (f *fakeMemClient) Download(_ context.Context, addr uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.mem[addr] = cp
	return nil
}

func (f *fakeMemClient) ReadPointee(ctx context.Context, ptrAddr uint32, pointerWidth, length int) ([]byte, error) {
	return nil, nil
}

func (f *fakeMemClient) ConnectInfo() xcp.ConnectInfo { return f.info }

func TestHandleReadWriteDirect(t *testing.T) {
	client := &fakeMemClient{mem: map[uint32][]byte{}, info: xcp.ConnectInfo{ByteOrder: symbol.LittleEndian}}
	typ := &symbol.Type{Kind: symbol.KindUnsignedInt, Width: 2, Order: symbol.LittleEndian}
	sym := &symbol.Symbol{Path: "x", Address: 0x1000, Type: typ, Storage: symbol.Direct}
	h := &Handle{Symbol: sym, client: client}

	require.NoError(t, h.Write(context.Background(), UnsignedInt(4242)))
	got, err := h.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), got.Uint)
}

// TestHandleWriteOutOfRangeReportsKindType checks that a range-check
// failure from Encode reaches the caller as a KindType xcp.Error, not
// a bare error a caller has no taxonomy to errors.As against.
func TestHandleWriteOutOfRangeReportsKindType(t *testing.T) {
	client := &fakeMemClient{mem: map[uint32][]byte{}, info: xcp.ConnectInfo{ByteOrder: symbol.LittleEndian}}
	typ := &symbol.Type{Kind: symbol.KindUnsignedInt, Width: 1, Order: symbol.LittleEndian}
	sym := &symbol.Symbol{Path: "x", Address: 0x1000, Type: typ, Storage: symbol.Direct}
	h := &Handle{Symbol: sym, client: client}

	err := h.Write(context.Background(), UnsignedInt(999))
	require.Error(t, err)
	var xerr *xcp.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xcp.KindType, xerr.Kind)
}

// TestResolverUnknownPathReportsKindSymbol checks that Resolver.Resolve
// wraps symbol.ErrUnknownSymbol as a KindSymbol xcp.Error.
func TestResolverUnknownPathReportsKindSymbol(t *testing.T) {
	table := symbol.NewBuilder().Build()
	client := &fakeMemClient{mem: map[uint32][]byte{}}
	r := NewResolver(table, client)

	_, err := r.Resolve("ctrl/missing")
	require.Error(t, err)
	var xerr *xcp.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xcp.KindSymbol, xerr.Kind)
}

func TestHandleReadViaPointer(t *testing.T) {
	client := &fakeMemClient{mem: map[uint32][]byte{}, info: xcp.ConnectInfo{ByteOrder: symbol.LittleEndian}}
	client.mem[0x1000] = []byte{0x00, 0x20, 0x00, 0x00} // pointer value 0x2000
	client.mem[0x2000] = []byte{0x7B, 0x00}             // 123 as uint16

	typ := &symbol.Type{Kind: symbol.KindUnsignedInt, Width: 2, Order: symbol.LittleEndian}
	sym := &symbol.Symbol{Path: "p.target", Address: 0x1000, Type: typ, Storage: symbol.IndirectViaPointer}
	h := &Handle{Symbol: sym, client: client}

	got, err := h.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), got.Uint)
}
