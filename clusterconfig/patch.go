package clusterconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"clusterconf/clustererr"
)

// removeKind is the type of Remove, the Patch value that deletes the
// corresponding top-level key from the active config
// (section 6: "a distinguished explicit null value means remove").
type removeKind struct{}

// Remove is the sentinel meaning "delete this top-level key". DecodePatch
// produces it for an explicit YAML null top-level value; Go code building
// a Patch in memory can also set a key to Remove directly.
var Remove = removeKind{}

// Patch is a decoded clusterwide patch: a mapping from top-level key name
// to either a concrete replacement value or Remove. Keys absent from the
// map are left unchanged in the target document.
type Patch map[string]any

// DecodePatch parses raw YAML into a Patch, distinguishing an explicit
// null scalar (-> Remove) from any other value (-> Set). It inspects only
// the top level: a patch is always a flat replace-or-remove over top-level
// document keys, never a deep merge.
func DecodePatch(raw []byte) (Patch, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "parse patch")
	}
	if len(doc.Content) == 0 {
		return Patch{}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, clustererr.New(clustererr.ConfigLoad, "patch must be a mapping at the top level")
	}

	patch := make(Patch, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		var key string
		if err := keyNode.Decode(&key); err != nil {
			return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "patch key at line %d", keyNode.Line)
		}

		if isExplicitNull(valNode) {
			patch[key] = Remove
			continue
		}

		var v any
		if err := valNode.Decode(&v); err != nil {
			return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "patch value for %q", key)
		}
		patch[key] = v
	}
	return patch, nil
}

// isExplicitNull reports whether n decodes to YAML's null, the sentinel
// section 6 reserves for "remove this top-level key". It gates on the
// resolved tag (and the untagged "~"/"null" scalars yaml.v3 also resolves
// to null), never on an empty Value — a legitimately empty string scalar
// (e.g. `label: ""`) has Tag == "!!str" and must decode as Set(""), not
// Remove.
func isExplicitNull(n *yaml.Node) bool {
	if n.Kind != yaml.ScalarNode {
		return false
	}
	if n.Tag == "!!null" {
		return true
	}
	return n.Tag == "" && (n.Value == "~" || n.Value == "null")
}

// MergePatch deep-copies old and applies patch on top: keys mapped to
// Remove are deleted, every other key is replaced wholesale with a deep
// copy of its patch value. Keys absent from patch are left untouched.
func MergePatch(old Doc, patch Patch) Doc {
	out := CloneDoc(old)
	if out == nil {
		out = Doc{}
	}
	for k, v := range patch {
		if _, isRemove := v.(removeKind); isRemove {
			delete(out, k)
			continue
		}
		out[k] = DeepCopy(v)
	}
	return out
}

// String implements fmt.Stringer for debugging/log lines only.
func (removeKind) String() string { return "<remove>" }

var _ fmt.Stringer = Remove
