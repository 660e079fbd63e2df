// Package clusterconfig implements the Config Store: the on-disk
// representation of the clusterwide configuration document, __file
// inlining, and the prepare/commit/backup file dance used by two-phase
// commit. The document itself is a dynamically typed tree (map[string]any /
// []any / scalars) rather than a fixed struct, because role-owned sections
// are opaque to the core — only "topology" and "vshard" are ever inspected
// by name here.
package clusterconfig

import (
	"fmt"
)

// Doc is the in-memory shape of a configuration document: a tree of
// map[string]any, []any and scalar leaves, the same shape yaml.v3 produces
// when decoding a mapping node into an interface{} target.
type Doc map[string]any

// fileMarker is the magic key that, as the sole key of a mapping node,
// triggers inlining of an external file's contents at load time.
const fileMarker = "__file"

// DeepCopy returns an independently owned copy of v. Maps, slices and Doc
// values are copied recursively; everything else (scalars) is returned as
// the same immutable value, which is safe to share.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case Doc:
		out := make(Doc, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// CloneDoc is DeepCopy specialized to the top-level Doc type, used at every
// boundary where a document changes ownership (freeze, patch merge, fetch).
func CloneDoc(d Doc) Doc {
	if d == nil {
		return nil
	}
	return DeepCopy(d).(Doc)
}

// AsMap is a convenience accessor for nested mapping sections (e.g.
// doc["topology"]), returning ok=false if the key is absent or not a
// mapping.
func AsMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Doc:
		return map[string]any(t), true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}

// AsSlice is the []any equivalent of AsMap.
func AsSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// Section fetches a top-level mapping section by name (e.g. "topology").
func (d Doc) Section(name string) (map[string]any, bool) {
	if d == nil {
		return nil, false
	}
	return AsMap(d[name])
}

// inlineFiles walks v recursively, replacing any mapping whose sole key is
// "__file" with the raw contents of the referenced file, resolved relative
// to dir. It never re-parses the file contents as YAML: the replacement
// value is always a string.
func inlineFiles(v any, dir string, readFile func(path string) (string, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if rel, ok := t[fileMarker]; ok {
				relStr, ok := rel.(string)
				if !ok {
					return nil, fmt.Errorf("__file value must be a string, got %T", rel)
				}
				content, err := readFile(joinRel(dir, relStr))
				if err != nil {
					return nil, fmt.Errorf("inline %s: %w", relStr, err)
				}
				return content, nil
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := inlineFiles(val, dir, readFile)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := inlineFiles(val, dir, readFile)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
