// Package clusterview implements the View Layer (spec 4.C): read access to
// the active configuration for role ApplyConfig hooks and diagnostics,
// without letting a careless caller mutate the document backing the
// process-wide state.
//
// It generalizes the teacher's Loader.Get() deep-copy pattern
// (config/loader.go) from a fixed struct to the dynamically typed
// document tree, and adds a second, cheaper mode — a frozen read-only
// wrapper — for callers that only read and don't need their own copy.
package clusterview

import (
	"clusterconf/clusterconfig"
)

// GetDeepcopy returns an independently owned copy of doc, or of a single
// named top-level section if section is non-empty. The caller may mutate
// the result freely; it shares no backing storage with the active
// document, matching the teacher's Loader.Get() contract.
func GetDeepcopy(doc clusterconfig.Doc, section ...string) any {
	if len(section) == 0 {
		return clusterconfig.CloneDoc(doc)
	}
	v, ok := doc[section[0]]
	if !ok {
		return nil
	}
	return clusterconfig.DeepCopy(v)
}

// Frozen wraps a value so that any attempt to mutate it through the
// accessors below panics, instead of silently letting a role corrupt
// process-wide state it was only meant to read. It does not copy: it is
// cheaper than GetDeepcopy when the caller only reads.
type Frozen struct {
	v any
}

// GetReadonly returns a Frozen view of doc, or of a single named top-level
// section if section is non-empty.
func GetReadonly(doc clusterconfig.Doc, section ...string) Frozen {
	if len(section) == 0 {
		return Frozen{v: map[string]any(doc)}
	}
	return Frozen{v: doc[section[0]]}
}

// Value returns the wrapped value as-is. Callers must not type-assert
// into a mutable collection and write through it — use Map/Slice/Get
// instead, which return further Frozen wrappers for nested collections.
func (f Frozen) Value() any {
	return f.v
}

// IsZero reports whether the wrapped value is absent (nil).
func (f Frozen) IsZero() bool {
	return f.v == nil
}

// Get indexes into a frozen mapping, returning a further Frozen wrapper.
// Indexing a non-mapping, or a missing key, yields a zero Frozen rather
// than panicking — only a write attempt panics.
func (f Frozen) Get(key string) Frozen {
	m, ok := clusterconfig.AsMap(f.v)
	if !ok {
		return Frozen{}
	}
	return Frozen{v: m[key]}
}

// Index indexes into a frozen sequence, returning a further Frozen
// wrapper. Out-of-range or non-sequence access yields a zero Frozen.
func (f Frozen) Index(i int) Frozen {
	s, ok := clusterconfig.AsSlice(f.v)
	if !ok || i < 0 || i >= len(s) {
		return Frozen{}
	}
	return Frozen{v: s[i]}
}

// Len reports the length of a frozen mapping or sequence, or 0 for any
// other kind of value.
func (f Frozen) Len() int {
	if m, ok := clusterconfig.AsMap(f.v); ok {
		return len(m)
	}
	if s, ok := clusterconfig.AsSlice(f.v); ok {
		return len(s)
	}
	return 0
}

// Keys returns the keys of a frozen mapping, or nil for any other kind of
// value. Order is unspecified, matching Go map iteration.
func (f Frozen) Keys() []string {
	m, ok := clusterconfig.AsMap(f.v)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Set always panics: Frozen is read-only by construction. It exists so
// that code written against a hypothetical mutable-map interface fails
// loudly and immediately instead of silently succeeding against a copy
// nobody reads back.
func (f Frozen) Set(string, any) {
	panic("clusterview: attempt to mutate a read-only view")
}
