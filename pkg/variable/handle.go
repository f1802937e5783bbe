package variable

import (
	"context"
	"fmt"

	"github.com/ultimaker/telepathy/pkg/symbol"
	"github.com/ultimaker/telepathy/pkg/xcp"
)

// memoryClient is the subset of *xcp.Client the variable layer needs,
// narrowed so this package can be tested against a fake without
// depending on xcp's transport machinery.
type memoryClient interface {
	Upload(ctx context.Context, addr uint32, length int) ([]byte, error)
	Download(ctx context.Context, addr uint32, data []byte) error
	ReadPointee(ctx context.Context, ptrAddr uint32, pointerWidth, length int) ([]byte, error)
	ConnectInfo() xcp.ConnectInfo
}

// Handle is a resolved, read/write-able reference to one symbol.
// Resolve never touches the wire; Read and Write do.
type Handle struct {
	Symbol *symbol.Symbol
	client memoryClient
}

// Resolver turns dotted/indexed paths into Handles against one
// symbol.Table.
type Resolver struct {
	table  *symbol.Table
	client memoryClient
}

func NewResolver(table *symbol.Table, client memoryClient) *Resolver {
	return &Resolver{table: table, client: client}
}

func (r *Resolver) Resolve(path string) (*Handle, error) {
	sym, err := r.table.Resolve(path)
	if err != nil {
		return nil, xcp.NewSymbolErr(fmt.Sprintf("resolve %q", path), err)
	}
	return &Handle{Symbol: sym, client: r.client}, nil
}

// address resolves the handle's effective address, dereferencing the
// target-side pointer first if the symbol is reached indirectly.
func (h *Handle) address(ctx context.Context) (uint32, error) {
	if h.Symbol.Storage == symbol.Direct {
		return h.Symbol.Address, nil
	}
	raw, err := h.client.Upload(ctx, h.Symbol.Address, symbol.PointerWidth)
	if err != nil {
		return 0, err
	}
	order := h.client.ConnectInfo().ByteOrder
	ptrType := &symbol.Type{Kind: symbol.KindUnsignedInt, Order: order, Width: symbol.PointerWidth}
	return uint32(decodeUnsigned(ptrType, raw)), nil
}

// Read fetches the whole region backing the handle's type in the
// minimum number of UPLOAD transactions MAX_CTO allows, then decodes
// it.
func (h *Handle) Read(ctx context.Context) (Value, error) {
	addr, err := h.address(ctx)
	if err != nil {
		return Value{}, err
	}
	raw, err := h.client.Upload(ctx, addr, h.Symbol.Type.Size())
	if err != nil {
		return Value{}, err
	}
	v, err := Decode(h.Symbol.Type, raw)
	if err != nil {
		return Value{}, xcp.NewTypeErr(fmt.Sprintf("decode %s", h.Symbol.Path), err)
	}
	return v, nil
}

// Write encodes v and commits it to the target in the minimum number
// of DOWNLOAD transactions. Encoding happens entirely before any bytes
// are sent so a rejected value never partially commits.
func (h *Handle) Write(ctx context.Context, v Value) error {
	raw, err := Encode(h.Symbol.Type, v)
	if err != nil {
		return xcp.NewTypeErr(fmt.Sprintf("encode %s", h.Symbol.Path), err)
	}
	addr, err := h.address(ctx)
	if err != nil {
		return err
	}
	return h.client.Download(ctx, addr, raw)
}
