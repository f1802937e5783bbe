package symbol

// Storage describes whether a Symbol's bytes live directly at its
// Address, or have to be reached by first reading a pointer stored at
// Address and then fetching the pointee from the address that comes back.
type Storage int

const (
	Direct Storage = iota
	IndirectViaPointer
)

// Symbol is a resolved, immutable (name -> address, size, decoder)
// triple. The symbol table owns Symbols; callers hold Handles (see
// pkg/variable) that reference a Symbol by path.
type Symbol struct {
	Path    string
	Address uint32
	Type    *Type
	Storage Storage
}
