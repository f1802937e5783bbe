// Package modelmap reads a model-based code-generation target's
// self-describing mapping structure (rtwCAPI_ModelMappingInfo) over
// the Protocol Client and resolves it into a symbol.Table whose paths
// follow the model's block hierarchy.
package modelmap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

// DefaultRootSymbol is the root symbol name a target's C-API mapping
// structure is published under unless a session is configured
// otherwise.
const DefaultRootSymbol = "rtwCAPI_ModelMappingInfo"

// memoryClient is the subset of *xcp.Client the reader needs.
type memoryClient interface {
	Upload(ctx context.Context, addr uint32, length int) ([]byte, error)
	ConnectInfo() xcp.ConnectInfo
}

// dataTypeEntry mirrors one rtwCAPI_DataTypeMap row: enough to build a
// symbol.Type for a signal/parameter/state table entry.
type dataTypeEntry struct {
	width   int
	isFloat bool
	signed  bool
}

// blockEntry mirrors one node of the block-hierarchy table: a name and
// a parent index, the two fields needed to walk a leaf entry's
// block back up to the root and join the "root/subsystem/block" path.
type blockEntry struct {
	name   string
	parent int32 // -1 for a top-level block
}

// dimensionEntry mirrors one rtwCAPI_DimensionMap row. The model-map
// reader only needs the flattened element count: array members are
// addressed and decoded as a flat sequence regardless of the original
// tensor's rank (symbol.Type's Array kind has no notion of rank).
type dimensionEntry struct {
	numElements int
}

// leafEntry mirrors one row of the signals, parameters or states
// sub-tables, which share a layout: an address (via the address-map
// indirection), a data type, a dimension, and the block it belongs to.
type leafEntry struct {
	addrMapIdx  int
	dataTypeIdx int
	dimIdx      int
	blockIdx    int32
}

// Reader builds a symbol.Table from the mapping structure once per
// session and caches it; concurrent early callers share the one fetch
// via singleflight rather than issuing duplicate target round-trips.
type Reader struct {
	client memoryClient
	root   string

	group singleflight.Group
	mu    sync.Mutex
	table *symbol.Table
}

func NewReader(client memoryClient, rootSymbol string) *Reader {
	if rootSymbol == "" {
		rootSymbol = DefaultRootSymbol
	}
	return &Reader{client: client, root: rootSymbol}
}

// Load resolves rootAddr's mapping structure into a symbol.Table,
// caching the result. rootAddr is the address of the root symbol,
// resolved by the debug-info reader beforehand; it is the only symbol
// the model-map reader needs from there.
func (r *Reader) Load(ctx context.Context, rootAddr uint32) (*symbol.Table, error) {
	v, err, _ := r.group.Do("load", func() (any, error) {
		r.mu.Lock()
		if r.table != nil {
			r.mu.Unlock()
			return r.table, nil
		}
		r.mu.Unlock()

		table, err := r.load(ctx, rootAddr)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.table = table
		r.mu.Unlock()
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*symbol.Table), nil
}

// rtwCAPI_ModelMappingInfo layout: one (pointer, count) pair per
// sub-table. Signals, parameters and states share the leafEntry
// layout; block hierarchy, data types, dimensions and the address map
// are each their own flat array.
const (
	rootSignalsPtrOffset   = 0
	rootSignalsCountOffset = 4
	rootParamsPtrOffset    = 8
	rootParamsCountOffset  = 12
	rootStatesPtrOffset    = 16
	rootStatesCountOffset  = 20
	rootBlocksPtrOffset    = 24
	rootBlocksCountOffset  = 28
	rootDataTypePtrOffset  = 32
	rootDataTypeCountOff   = 36
	rootDimensionPtrOffset = 40
	rootDimensionCountOff  = 44
	rootAddrMapPtrOffset   = 48
	rootAddrMapCountOffset = 52
	rootHeaderSize         = 56

	leafEntryStride        = 20 // {nameAddr, addrMapIndex, dTypeIndex, dimIndex, blockIndex}
	blockEntryStride       = 8  // {nameAddr, parentIndex}
	dataTypeEntryStride    = 8  // {size, flags}
	dimensionEntryStride   = 4  // {numElements}
	addrMapEntryStride     = 4  // {address}
	maxBlockHierarchyDepth = 64
)

func (r *Reader) load(ctx context.Context, rootAddr uint32) (*symbol.Table, error) {
	ord := r.client.ConnectInfo().ByteOrder
	bo := byteOrder(ord)

	header, err := r.client.Upload(ctx, rootAddr, rootHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("modelmap: reading root header: %w", err)
	}

	dataTypePtr := bo.Uint32(header[rootDataTypePtrOffset:])
	dataTypeCount := bo.Uint32(header[rootDataTypeCountOff:])
	dimensionPtr := bo.Uint32(header[rootDimensionPtrOffset:])
	dimensionCount := bo.Uint32(header[rootDimensionCountOff:])
	blocksPtr := bo.Uint32(header[rootBlocksPtrOffset:])
	blocksCount := bo.Uint32(header[rootBlocksCountOffset:])
	addrMapPtr := bo.Uint32(header[rootAddrMapPtrOffset:])

	dataTypes, err := r.loadDataTypes(ctx, dataTypePtr, int(dataTypeCount), bo)
	if err != nil {
		return nil, err
	}
	dimensions, err := r.loadDimensions(ctx, dimensionPtr, int(dimensionCount), bo)
	if err != nil {
		return nil, err
	}
	blocks, err := r.loadBlocks(ctx, blocksPtr, int(blocksCount), bo)
	if err != nil {
		return nil, err
	}

	b := symbol.NewBuilder()
	pathCache := make(map[int32]string, len(blocks))

	subTables := []struct {
		ptr   uint32
		count uint32
	}{
		{bo.Uint32(header[rootSignalsPtrOffset:]), bo.Uint32(header[rootSignalsCountOffset:])},
		{bo.Uint32(header[rootParamsPtrOffset:]), bo.Uint32(header[rootParamsCountOffset:])},
		{bo.Uint32(header[rootStatesPtrOffset:]), bo.Uint32(header[rootStatesCountOffset:])},
	}
	for _, st := range subTables {
		if err := r.loadLeaves(ctx, st.ptr, int(st.count), bo, ord, addrMapPtr, dataTypes, dimensions, blocks, pathCache, b); err != nil {
			return nil, err
		}
	}

	return b.Build(), nil
}

// loadLeaves reads one of the signals/parameters/states sub-tables and
// adds one Symbol per entry to b, with Path built by joining the
// entry's block-hierarchy ancestry with its own name.
func (r *Reader) loadLeaves(
	ctx context.Context,
	ptr uint32,
	count int,
	bo binary.ByteOrder,
	ord symbol.ByteOrder,
	addrMapPtr uint32,
	dataTypes []dataTypeEntry,
	dimensions []dimensionEntry,
	blocks []blockEntry,
	pathCache map[int32]string,
	b *symbol.Builder,
) error {
	for i := 0; i < count; i++ {
		entryAddr := ptr + uint32(i)*leafEntryStride
		raw, err := r.client.Upload(ctx, entryAddr, leafEntryStride)
		if err != nil {
			return fmt.Errorf("modelmap: reading entry %d: %w", i, err)
		}

		entry := leafEntry{
			addrMapIdx:  int(bo.Uint32(raw[4:8])),
			dataTypeIdx: int(bo.Uint32(raw[8:12])),
			dimIdx:      int(bo.Uint32(raw[12:16])),
			blockIdx:    int32(bo.Uint32(raw[16:20])),
		}

		name, err := r.readCString(ctx, bo.Uint32(raw[0:4]), 64)
		if err != nil {
			return fmt.Errorf("modelmap: reading entry %d name: %w", i, err)
		}

		if entry.dataTypeIdx < 0 || entry.dataTypeIdx >= len(dataTypes) {
			return fmt.Errorf("modelmap: entry %q references out-of-range data type %d", name, entry.dataTypeIdx)
		}

		path, err := blockPath(entry.blockIdx, blocks, pathCache)
		if err != nil {
			return fmt.Errorf("modelmap: entry %q: %w", name, err)
		}
		if path != "" {
			path += "/" + name
		} else {
			path = name
		}

		addrEntryAddr := addrMapPtr + uint32(entry.addrMapIdx)*addrMapEntryStride
		addrRaw, err := r.client.Upload(ctx, addrEntryAddr, addrMapEntryStride)
		if err != nil {
			return fmt.Errorf("modelmap: reading address-map entry for %q: %w", name, err)
		}
		addr := bo.Uint32(addrRaw)

		typ := leafType(dataTypes[entry.dataTypeIdx], dimensions, entry.dimIdx, ord)
		b.Add(&symbol.Symbol{Path: path, Address: addr, Type: typ, Storage: symbol.Direct})
	}
	return nil
}

// blockPath returns the "root/subsystem/block"-style path formed by
// walking idx up through its ancestors via blocks[i].parent, stopping
// at a top-level block (parent == -1). idx == -1 means the entry
// belongs to no block and the empty path is returned. Results are
// memoised in cache since sibling leaves under the same block repeat
// the same walk.
func blockPath(idx int32, blocks []blockEntry, cache map[int32]string) (string, error) {
	if idx < 0 {
		return "", nil
	}
	if p, ok := cache[idx]; ok {
		return p, nil
	}
	if int(idx) >= len(blocks) {
		return "", fmt.Errorf("block index %d out of range", idx)
	}

	visited := make(map[int32]bool)
	var segments []string
	cur := idx
	for cur >= 0 {
		if visited[cur] {
			return "", fmt.Errorf("cyclic block hierarchy at index %d", cur)
		}
		if len(segments) >= maxBlockHierarchyDepth {
			return "", fmt.Errorf("block hierarchy deeper than %d levels at index %d", maxBlockHierarchyDepth, idx)
		}
		visited[cur] = true
		if int(cur) >= len(blocks) {
			return "", fmt.Errorf("block index %d out of range", cur)
		}
		node := blocks[cur]
		segments = append(segments, node.name)
		cur = node.parent
	}

	path := segments[len(segments)-1]
	for i := len(segments) - 2; i >= 0; i-- {
		path += "/" + segments[i]
	}
	cache[idx] = path
	return path, nil
}

func (r *Reader) loadDataTypes(ctx context.Context, ptr uint32, count int, bo binary.ByteOrder) ([]dataTypeEntry, error) {
	out := make([]dataTypeEntry, count)
	for i := 0; i < count; i++ {
		raw, err := r.client.Upload(ctx, ptr+uint32(i)*dataTypeEntryStride, dataTypeEntryStride)
		if err != nil {
			return nil, fmt.Errorf("modelmap: reading data type %d: %w", i, err)
		}
		size := int(raw[0])
		flags := raw[1]
		out[i] = dataTypeEntry{
			width:   size,
			isFloat: flags&0x01 != 0,
			signed:  flags&0x02 != 0,
		}
	}
	return out, nil
}

func (r *Reader) loadDimensions(ctx context.Context, ptr uint32, count int, bo binary.ByteOrder) ([]dimensionEntry, error) {
	out := make([]dimensionEntry, count)
	for i := 0; i < count; i++ {
		raw, err := r.client.Upload(ctx, ptr+uint32(i)*dimensionEntryStride, dimensionEntryStride)
		if err != nil {
			return nil, fmt.Errorf("modelmap: reading dimension %d: %w", i, err)
		}
		out[i] = dimensionEntry{numElements: int(bo.Uint32(raw))}
	}
	return out, nil
}

func (r *Reader) loadBlocks(ctx context.Context, ptr uint32, count int, bo binary.ByteOrder) ([]blockEntry, error) {
	out := make([]blockEntry, count)
	for i := 0; i < count; i++ {
		raw, err := r.client.Upload(ctx, ptr+uint32(i)*blockEntryStride, blockEntryStride)
		if err != nil {
			return nil, fmt.Errorf("modelmap: reading block %d: %w", i, err)
		}
		name, err := r.readCString(ctx, bo.Uint32(raw[0:4]), 64)
		if err != nil {
			return nil, fmt.Errorf("modelmap: reading block %d name: %w", i, err)
		}
		out[i] = blockEntry{name: name, parent: int32(bo.Uint32(raw[4:8]))}
	}
	return out, nil
}

// leafType builds the symbol.Type for a leaf entry: its data type,
// wrapped in a flat Array if its dimension entry reports more than one
// element. A dimIdx out of range, or an empty dimension table, means
// the entry is scalar.
func leafType(dt dataTypeEntry, dimensions []dimensionEntry, dimIdx int, order symbol.ByteOrder) *symbol.Type {
	base := dt.symbolType(order)
	if dimIdx < 0 || dimIdx >= len(dimensions) {
		return base
	}
	n := dimensions[dimIdx].numElements
	if n <= 1 {
		return base
	}
	return &symbol.Type{Kind: symbol.KindArray, Elem: base, Length: n}
}

func (d dataTypeEntry) symbolType(order symbol.ByteOrder) *symbol.Type {
	if d.isFloat {
		return &symbol.Type{Kind: symbol.KindFloat, Width: d.width, Order: order}
	}
	if d.signed {
		return &symbol.Type{Kind: symbol.KindSignedInt, Width: d.width, Order: order}
	}
	return &symbol.Type{Kind: symbol.KindUnsignedInt, Width: d.width, Order: order}
}

// readCString uploads up to maxLen bytes starting at addr and returns
// the string up to the first NUL, per the C-API mapping's use of plain
// C strings for names.
func (r *Reader) readCString(ctx context.Context, addr uint32, maxLen int) (string, error) {
	raw, err := r.client.Upload(ctx, addr, maxLen)
	if err != nil {
		return "", err
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}

func byteOrder(o symbol.ByteOrder) binary.ByteOrder {
	if o == symbol.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
