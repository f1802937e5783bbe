package modelmap

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

type fakeMMClient struct {
	mem   map[uint32][]byte
	reads int
	info  xcp.ConnectInfo
}

func (f *fakeMMClient) Upload(_ context.Context, addr uint32, length int) ([]byte, error) {
	f.reads++
	buf, ok := f.mem[addr]
	if !ok {
		return make([]byte, length), nil
	}
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

func (f *fakeMMClient) ConnectInfo() xcp.ConnectInfo { return f.info }

func putU32(f *fakeMMClient, addr uint32, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.mem[addr] = b
}

func putCString(f *fakeMMClient, addr uint32, s string) {
	f.mem[addr] = append([]byte(s), 0)
}

// buildMockTarget lays out a full rtwCAPI_ModelMappingInfo in the fake
// client's memory: a two-level block hierarchy ("ctrl" containing
// "inner"), one float32 signal "err" under "ctrl/inner" resolving to
// "ctrl/inner/err", one scalar int16 parameter at the top level, and
// one float32 array state with 3 elements under "ctrl". The leaf
// entries' own names are never written as a hierarchical string; the
// reader must derive "ctrl/inner/err" by walking the block table.
func buildMockTarget() *fakeMMClient {
	f := &fakeMMClient{mem: map[uint32][]byte{}, info: xcp.ConnectInfo{ByteOrder: symbol.LittleEndian}}

	const rootAddr = 0x1000
	const signalsAddr = 0x1100
	const paramsAddr = 0x1180
	const statesAddr = 0x11C0
	const blocksAddr = 0x1200
	const dataTypesAddr = 0x1300
	const dimensionsAddr = 0x1380
	const addrMapAddr = 0x1400

	const nameCtrlAddr = 0x1500
	const nameInnerAddr = 0x1510
	const nameErrAddr = 0x1520
	const nameGainAddr = 0x1530
	const nameHistoryAddr = 0x1540

	const signalAddr = 0x2000040C
	const paramAddr = 0x20000500
	const stateAddr = 0x20000600

	header := make([]byte, rootHeaderSize)
	binary.LittleEndian.PutUint32(header[rootSignalsPtrOffset:], signalsAddr)
	binary.LittleEndian.PutUint32(header[rootSignalsCountOffset:], 1)
	binary.LittleEndian.PutUint32(header[rootParamsPtrOffset:], paramsAddr)
	binary.LittleEndian.PutUint32(header[rootParamsCountOffset:], 1)
	binary.LittleEndian.PutUint32(header[rootStatesPtrOffset:], statesAddr)
	binary.LittleEndian.PutUint32(header[rootStatesCountOffset:], 1)
	binary.LittleEndian.PutUint32(header[rootBlocksPtrOffset:], blocksAddr)
	binary.LittleEndian.PutUint32(header[rootBlocksCountOffset:], 2)
	binary.LittleEndian.PutUint32(header[rootDataTypePtrOffset:], dataTypesAddr)
	binary.LittleEndian.PutUint32(header[rootDataTypeCountOff:], 2)
	binary.LittleEndian.PutUint32(header[rootDimensionPtrOffset:], dimensionsAddr)
	binary.LittleEndian.PutUint32(header[rootDimensionCountOff:], 2)
	binary.LittleEndian.PutUint32(header[rootAddrMapPtrOffset:], addrMapAddr)
	binary.LittleEndian.PutUint32(header[rootAddrMapCountOffset:], 3)
	f.mem[rootAddr] = header

	// Block hierarchy: block 0 "ctrl" is top-level (parent -1), block
	// 1 "inner" is nested under block 0.
	putCString(f, nameCtrlAddr, "ctrl")
	putCString(f, nameInnerAddr, "inner")
	block0 := make([]byte, blockEntryStride)
	binary.LittleEndian.PutUint32(block0[0:4], nameCtrlAddr)
	binary.LittleEndian.PutUint32(block0[4:8], uint32(int32(-1)))
	f.mem[blocksAddr] = block0
	block1 := make([]byte, blockEntryStride)
	binary.LittleEndian.PutUint32(block1[0:4], nameInnerAddr)
	binary.LittleEndian.PutUint32(block1[4:8], 0)
	f.mem[blocksAddr+blockEntryStride] = block1

	// Data types: 0 = float32, 1 = signed int16.
	dt0 := make([]byte, dataTypeEntryStride)
	dt0[0] = 4
	dt0[1] = 0x01 // isFloat
	f.mem[dataTypesAddr] = dt0
	dt1 := make([]byte, dataTypeEntryStride)
	dt1[0] = 2
	dt1[1] = 0x02 // signed
	f.mem[dataTypesAddr+dataTypeEntryStride] = dt1

	// Dimensions: 0 = scalar (1 element), 1 = 3-element array.
	putU32(f, dimensionsAddr, 1)
	putU32(f, dimensionsAddr+dimensionEntryStride, 3)

	// Address map: 0 = signal, 1 = parameter, 2 = state.
	putU32(f, addrMapAddr, signalAddr)
	putU32(f, addrMapAddr+addrMapEntryStride, paramAddr)
	putU32(f, addrMapAddr+2*addrMapEntryStride, stateAddr)

	putCString(f, nameErrAddr, "err")
	putCString(f, nameGainAddr, "gain")
	putCString(f, nameHistoryAddr, "history")

	// Signal "err": float32, scalar, under block 1 (ctrl/inner).
	sig := make([]byte, leafEntryStride)
	binary.LittleEndian.PutUint32(sig[0:4], nameErrAddr)
	binary.LittleEndian.PutUint32(sig[4:8], 0)  // addr map index
	binary.LittleEndian.PutUint32(sig[8:12], 0) // data type index
	binary.LittleEndian.PutUint32(sig[12:16], 0) // dimension index (scalar)
	binary.LittleEndian.PutUint32(sig[16:20], 1) // block index (inner)
	f.mem[signalsAddr] = sig

	// Parameter "gain": int16, scalar, no block (top-level).
	param := make([]byte, leafEntryStride)
	binary.LittleEndian.PutUint32(param[0:4], nameGainAddr)
	binary.LittleEndian.PutUint32(param[4:8], 1)
	binary.LittleEndian.PutUint32(param[8:12], 1)
	binary.LittleEndian.PutUint32(param[12:16], 0)
	binary.LittleEndian.PutUint32(param[16:20], uint32(int32(-1)))
	f.mem[paramsAddr] = param

	// State "history": float32[3], under block 0 (ctrl).
	state := make([]byte, leafEntryStride)
	binary.LittleEndian.PutUint32(state[0:4], nameHistoryAddr)
	binary.LittleEndian.PutUint32(state[4:8], 2)
	binary.LittleEndian.PutUint32(state[8:12], 0)
	binary.LittleEndian.PutUint32(state[12:16], 1) // dimension index (3 elements)
	binary.LittleEndian.PutUint32(state[16:20], 0) // block index (ctrl)
	f.mem[statesAddr] = state

	return f
}

func TestLoadResolvesSignalUnderBlockHierarchy(t *testing.T) {
	f := buildMockTarget()
	r := NewReader(f, "")

	table, err := r.Load(context.Background(), 0x1000)
	require.NoError(t, err)

	sym, err := table.Resolve("ctrl/inner/err")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000040C), sym.Address)
	assert.Equal(t, symbol.KindFloat, sym.Type.Kind)
	assert.Equal(t, 4, sym.Type.Width)
}

func TestLoadResolvesTopLevelParameter(t *testing.T) {
	f := buildMockTarget()
	r := NewReader(f, "")

	table, err := r.Load(context.Background(), 0x1000)
	require.NoError(t, err)

	sym, err := table.Resolve("gain")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000500), sym.Address)
	assert.Equal(t, symbol.KindSignedInt, sym.Type.Kind)
	assert.Equal(t, 2, sym.Type.Width)
}

func TestLoadResolvesArrayStateUnderBlock(t *testing.T) {
	f := buildMockTarget()
	r := NewReader(f, "")

	table, err := r.Load(context.Background(), 0x1000)
	require.NoError(t, err)

	sym, err := table.Resolve("ctrl/history")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000600), sym.Address)
	require.Equal(t, symbol.KindArray, sym.Type.Kind)
	assert.Equal(t, 3, sym.Type.Length)
	assert.Equal(t, symbol.KindFloat, sym.Type.Elem.Kind)
}

func TestLoadCachesAcrossCalls(t *testing.T) {
	f := buildMockTarget()
	r := NewReader(f, "")

	_, err := r.Load(context.Background(), 0x1000)
	require.NoError(t, err)
	readsAfterFirst := f.reads

	_, err = r.Load(context.Background(), 0x1000)
	require.NoError(t, err)
	assert.Equal(t, readsAfterFirst, f.reads, "second Load should not re-read the target")
}

func TestBlockPathDetectsCycle(t *testing.T) {
	blocks := []blockEntry{
		{name: "a", parent: 1},
		{name: "b", parent: 0},
	}
	_, err := blockPath(0, blocks, map[int32]string{})
	assert.Error(t, err)
}
