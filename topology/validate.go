package topology

import (
	"fmt"
	"sort"

	"clusterconf/clusterconfig"
)

// Validate checks the structural invariants of newDoc's topology section
// against oldDoc's (oldDoc may be nil for a first-ever bootstrap). It is
// the sibling-module "topology.validate" named in section 6, dispatched by
// clustervalidate before any role-level validate_config hooks run.
//
// knownRoles is the current set of registered role names (built-ins
// included); a replicaset enabling a role outside this set fails
// validation.
func Validate(newDoc, oldDoc clusterconfig.Doc, knownRoles []string) error {
	newTopo, err := Parse(newDoc)
	if err != nil {
		return err
	}

	var oldTopo *Topology
	if oldDoc != nil {
		oldTopo, err = Parse(oldDoc)
		if err != nil {
			return fmt.Errorf("existing active topology is invalid: %w", err)
		}
	}

	if err := validateURIUniqueness(newTopo); err != nil {
		return err
	}
	if err := validateMasters(newTopo); err != nil {
		return err
	}
	if err := validateKnownRoles(newTopo, knownRoles); err != nil {
		return err
	}
	if oldTopo != nil {
		if err := validateNoUUIDReassignment(oldTopo, newTopo); err != nil {
			return err
		}
	}

	return nil
}

func validateURIUniqueness(t *Topology) error {
	seen := make(map[string]string, len(t.Servers))
	uuids := sortedServerUUIDs(t)
	for _, uuid := range uuids {
		srv := t.Servers[uuid]
		if srv.Expelled || srv.URI == "" {
			continue
		}
		if other, ok := seen[srv.URI]; ok {
			return fmt.Errorf("topology: servers %s and %s share URI %q", other, uuid, srv.URI)
		}
		seen[srv.URI] = uuid
	}
	return nil
}

func validateMasters(t *Topology) error {
	rsUUIDs := make([]string, 0, len(t.Replicasets))
	for uuid := range t.Replicasets {
		rsUUIDs = append(rsUUIDs, uuid)
	}
	sort.Strings(rsUUIDs)

	for _, rsUUID := range rsUUIDs {
		rs := t.Replicasets[rsUUID]
		for _, uuid := range rs.Master {
			srv, ok := t.Servers[uuid]
			if !ok {
				return fmt.Errorf("topology.replicasets[%s].master: unknown server %s", rsUUID, uuid)
			}
			if srv.Expelled {
				return fmt.Errorf("topology.replicasets[%s].master: server %s is expelled", rsUUID, uuid)
			}
		}
	}
	return nil
}

func validateKnownRoles(t *Topology, knownRoles []string) error {
	known := make(map[string]bool, len(knownRoles))
	for _, r := range knownRoles {
		known[r] = true
	}

	rsUUIDs := make([]string, 0, len(t.Replicasets))
	for uuid := range t.Replicasets {
		rsUUIDs = append(rsUUIDs, uuid)
	}
	sort.Strings(rsUUIDs)

	for _, rsUUID := range rsUUIDs {
		rs := t.Replicasets[rsUUID]
		roleNames := make([]string, 0, len(rs.Roles))
		for r, enabled := range rs.Roles {
			if enabled {
				roleNames = append(roleNames, r)
			}
		}
		sort.Strings(roleNames)
		for _, r := range roleNames {
			if !known[r] {
				return fmt.Errorf("topology.replicasets[%s]: unknown role %q", rsUUID, r)
			}
		}
	}
	return nil
}

// validateNoUUIDReassignment forbids un-expelling a server: once a UUID is
// tombstoned as "expelled" it must stay expelled forever, it can never come
// back as a live server entry under the same identity.
func validateNoUUIDReassignment(oldTopo, newTopo *Topology) error {
	for uuid, oldSrv := range oldTopo.Servers {
		if !oldSrv.Expelled {
			continue
		}
		if newSrv, ok := newTopo.Servers[uuid]; ok && !newSrv.Expelled {
			return fmt.Errorf("topology.servers[%s]: cannot un-expel a previously expelled server", uuid)
		}
	}
	return nil
}

func sortedServerUUIDs(t *Topology) []string {
	uuids := make([]string, 0, len(t.Servers))
	for uuid := range t.Servers {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}
