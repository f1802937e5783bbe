package telepathy

import "github.com/ultimaker/telepathy/pkg/xcp"

// Error is the taxonomic error every public Session operation can
// return. It is an alias for xcp.Error rather than a wrapping type:
// Session sits directly on pkg/xcp and pkg/variable (which constructs
// KindSymbol/KindType errors using the same type), so callers
// errors.As against one Error regardless of which layer produced it.
type Error = xcp.Error

// Kind values, re-exported so callers need not import pkg/xcp directly
// to switch on an Error's Kind.
const (
	KindTransport = xcp.KindTransport
	KindProtocol  = xcp.KindProtocol
	KindState     = xcp.KindState
	KindSymbol    = xcp.KindSymbol
	KindType      = xcp.KindType
	KindResource  = xcp.KindResource
)
