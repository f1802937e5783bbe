package symbol

import "fmt"

// Table is an immutable mapping from dotted/indexed path to Symbol.
// Once built it is read-only, so concurrent lookups need no locking.
type Table struct {
	symbols map[string]*Symbol
	// paths preserves insertion order for deterministic iteration,
	// which the debug-info reader's determinism invariant depends on.
	paths []string
}

// NewBuilder starts construction of a Table.
func NewBuilder() *Builder {
	return &Builder{t: &Table{symbols: make(map[string]*Symbol)}}
}

// Builder accumulates Symbols before the Table is frozen. Readers
// (dwarfsym, modelmap) use a Builder internally and return the frozen
// Table from Build.
type Builder struct {
	t *Table
}

// Add inserts a symbol under its path. A duplicate path is an
// authoring bug in the reader (paths are constructed to be unique by
// construction), so Add overwrites silently rather than erroring.
// Readers are expected to guarantee uniqueness themselves.
func (b *Builder) Add(s *Symbol) {
	if _, exists := b.t.symbols[s.Path]; !exists {
		b.t.paths = append(b.t.paths, s.Path)
	}
	b.t.symbols[s.Path] = s
}

// Build freezes the table. The returned Table must not be mutated
// further; Builder should be discarded after calling Build.
func (b *Builder) Build() *Table {
	return b.t
}

// ErrUnknownSymbol is returned by Resolve when path has no entry.
type ErrUnknownSymbol struct {
	Path string
}

func (e *ErrUnknownSymbol) Error() string {
	return fmt.Sprintf("symbol: unknown path %q", e.Path)
}

// Resolve looks up path, returning ErrUnknownSymbol if absent.
func (t *Table) Resolve(path string) (*Symbol, error) {
	if s, ok := t.symbols[path]; ok {
		return s, nil
	}
	return nil, &ErrUnknownSymbol{Path: path}
}

// Len reports how many symbols the table holds.
func (t *Table) Len() int { return len(t.paths) }

// Paths returns every known path in the deterministic order they were
// added in.
func (t *Table) Paths() []string {
	out := make([]string, len(t.paths))
	copy(out, t.paths)
	return out
}
