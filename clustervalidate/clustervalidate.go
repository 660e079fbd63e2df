// Package clustervalidate is the Validator (spec 4.D): given a candidate
// configuration document and the currently active one, it decides whether
// the candidate may be committed.
//
// It follows the teacher's config/validator.go shape: a top-level
// Validate entrypoint dispatching to a flat collection of small
// validateX helpers, each returning a plain wrapped error rather than a
// typed one — the caller (peerapi) is responsible for lifting the
// first failure into a clustererr.Error of kind ConfigValidate.
package clustervalidate

import (
	"fmt"

	"clusterconf/clusterconfig"
	"clusterconf/roleregistry"
	"clusterconf/topology"
)

// Validate checks confNew for internal consistency and, where oldDoc is
// non-nil, for compatibility with the currently active document. It runs,
// in order: top-level shape checks, topology.Validate, and finally every
// registered role's ValidateConfig/legacy Validate hook in registration
// order (registry may be nil, e.g. during a bootstrap load with no roles
// registered yet).
func Validate(confNew, confOld clusterconfig.Doc, registry *roleregistry.Registry) error {
	if err := validateTopLevelShape(confNew); err != nil {
		return err
	}

	var knownRoles []string
	if registry != nil {
		knownRoles = registry.GetKnownRoles()
	} else {
		knownRoles = topology.KnownRoleTracker.Known()
	}

	if err := topology.Validate(confNew, confOld, knownRoles); err != nil {
		return err
	}

	if registry != nil {
		if err := registry.ValidateAll(confNew, confOld); err != nil {
			return err
		}
	}

	return nil
}

// validateTopLevelShape checks that the sections every clusterwide
// document must carry are present and have the right Go kind, the same
// "cannot be empty" / "must be configured" style of check the teacher
// applies to its own top-level Config fields.
func validateTopLevelShape(doc clusterconfig.Doc) error {
	if doc == nil {
		return fmt.Errorf("configuration document is empty")
	}
	if _, ok := doc.Section("topology"); !ok {
		return fmt.Errorf("topology section is missing or not a mapping")
	}
	v, present := doc["vshard"]
	if !present {
		return fmt.Errorf("vshard section is required")
	}
	vshard, ok := clusterconfig.AsMap(v)
	if !ok {
		return fmt.Errorf("vshard section must be a mapping")
	}
	return validateVshardShape(vshard)
}

func validateVshardShape(vshard map[string]any) error {
	bucketCount, ok := vshard["bucket_count"]
	if !ok {
		return fmt.Errorf("vshard.bucket_count is required")
	}
	n, ok := toPositiveInt(bucketCount)
	if !ok || n <= 0 {
		return fmt.Errorf("vshard.bucket_count must be a positive integer")
	}

	b, present := vshard["bootstrapped"]
	if !present {
		return fmt.Errorf("vshard.bootstrapped is required")
	}
	if _, ok := b.(bool); !ok {
		return fmt.Errorf("vshard.bootstrapped must be a boolean")
	}
	return nil
}

func toPositiveInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int(t), true
	default:
		return 0, false
	}
}
