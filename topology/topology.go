// Package topology is the sibling module consumed by the applier (section 6
// of the spec): it parses the topology/vshard sections of a configuration
// document into typed values and answers the structural questions the
// validator, the local applier and the failover worker all need — who is
// alive, who is master, what does the replication/sharding config look
// like right now.
package topology

import (
	"fmt"
	"sort"
	"sync"

	"clusterconf/clusterconfig"
)

// ExpelledSentinel is the literal value a server entry holds once expelled.
const ExpelledSentinel = "expelled"

// Server is one entry of topology.servers.
type Server struct {
	UUID     string
	Expelled bool
	URI      string
	Disabled bool
	Zone     string            // this expansion (SPEC_FULL §3.1): optional placement hint
	Labels   map[string]string // this expansion (SPEC_FULL §3.1): opaque passthrough labels
}

// Replicaset is one entry of topology.replicasets. Master is the full,
// ordered membership of the replicaset: position 0 is the preferred
// master, and every other position is a failover candidate in priority
// order — there is no separate "members" list in the wire format.
type Replicaset struct {
	UUID        string
	Roles       map[string]bool
	Master      []string
	Weight      float64
	AllRW       bool
	VshardGroup string // this expansion (SPEC_FULL §3.1): default "default"
}

// Topology is the parsed form of the document's "topology" section.
type Topology struct {
	Servers     map[string]Server
	Replicasets map[string]Replicaset
	Failover    bool
}

// Parse extracts and validates the *shape* (not the cross-field invariants —
// see Validate) of the topology section of doc.
func Parse(doc clusterconfig.Doc) (*Topology, error) {
	section, ok := doc.Section("topology")
	if !ok {
		return nil, fmt.Errorf("topology: missing or not a mapping")
	}

	t := &Topology{
		Servers:     map[string]Server{},
		Replicasets: map[string]Replicaset{},
	}

	if fo, ok := section["failover"]; ok {
		b, ok := fo.(bool)
		if !ok {
			return nil, fmt.Errorf("topology.failover must be a boolean")
		}
		t.Failover = b
	}

	serversRaw, _ := clusterconfig.AsMap(section["servers"])
	for uuid, v := range serversRaw {
		srv, err := parseServer(uuid, v)
		if err != nil {
			return nil, err
		}
		t.Servers[uuid] = srv
	}

	replicasetsRaw, _ := clusterconfig.AsMap(section["replicasets"])
	for uuid, v := range replicasetsRaw {
		rs, err := parseReplicaset(uuid, v)
		if err != nil {
			return nil, err
		}
		t.Replicasets[uuid] = rs
	}

	return t, nil
}

func parseServer(uuid string, v any) (Server, error) {
	if s, ok := v.(string); ok {
		if s != ExpelledSentinel {
			return Server{}, fmt.Errorf("topology.servers[%s]: string value must be %q, got %q", uuid, ExpelledSentinel, s)
		}
		return Server{UUID: uuid, Expelled: true}, nil
	}

	m, ok := clusterconfig.AsMap(v)
	if !ok {
		return Server{}, fmt.Errorf("topology.servers[%s]: must be %q or a mapping", uuid, ExpelledSentinel)
	}

	srv := Server{UUID: uuid}
	uri, _ := m["uri"].(string)
	srv.URI = uri
	if d, ok := m["disabled"].(bool); ok {
		srv.Disabled = d
	}
	if z, ok := m["zone"].(string); ok {
		srv.Zone = z
	}
	if labels, ok := clusterconfig.AsMap(m["labels"]); ok {
		srv.Labels = make(map[string]string, len(labels))
		for k, lv := range labels {
			if s, ok := lv.(string); ok {
				srv.Labels[k] = s
			}
		}
	}
	return srv, nil
}

func parseReplicaset(uuid string, v any) (Replicaset, error) {
	m, ok := clusterconfig.AsMap(v)
	if !ok {
		return Replicaset{}, fmt.Errorf("topology.replicasets[%s]: must be a mapping", uuid)
	}

	rs := Replicaset{UUID: uuid, VshardGroup: "default"}

	if w, ok := toFloat(m["weight"]); ok {
		rs.Weight = w
	}
	if allRW, ok := m["all_rw"].(bool); ok {
		rs.AllRW = allRW
	}
	if g, ok := m["vshard_group"].(string); ok && g != "" {
		rs.VshardGroup = g
	}

	rs.Roles = map[string]bool{}
	switch roles := m["roles"].(type) {
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				rs.Roles[s] = true
			}
		}
	case map[string]any:
		for k, enabled := range roles {
			if b, ok := enabled.(bool); ok {
				rs.Roles[k] = b
			} else {
				rs.Roles[k] = true
			}
		}
	}

	if master, ok := clusterconfig.AsSlice(m["master"]); ok {
		for _, u := range master {
			if s, ok := u.(string); ok {
				rs.Master = append(rs.Master, s)
			}
		}
	}

	return rs, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// NotDisabled reports whether uuid names a server that exists, is not
// expelled and is not administratively disabled (section 6: "NotDisabled").
func (t *Topology) NotDisabled(uuid string) bool {
	srv, ok := t.Servers[uuid]
	if !ok {
		return false
	}
	return !srv.Expelled && !srv.Disabled
}

// ReplicasetOf returns the replicaset UUID that server uuid belongs to, by
// scanning each replicaset's Master membership list.
func (t *Topology) ReplicasetOf(uuid string) (string, bool) {
	for rsUUID, rs := range t.Replicasets {
		for _, m := range rs.Master {
			if m == uuid {
				return rsUUID, true
			}
		}
	}
	return "", false
}

// GetReplicationConfig returns the ordered list of peer URIs that replicate
// together with replicasetUUID's servers: every non-expelled member of the
// replicaset's Master list, in the order it was declared, which is also
// the failover priority order.
func (t *Topology) GetReplicationConfig(replicasetUUID string) []string {
	rs, ok := t.Replicasets[replicasetUUID]
	if !ok {
		return nil
	}
	uris := make([]string, 0, len(rs.Master))
	for _, uuid := range rs.Master {
		srv, ok := t.Servers[uuid]
		if !ok || srv.Expelled {
			continue
		}
		uris = append(uris, srv.URI)
	}
	return uris
}

// AliveFunc reports whether the server uuid currently looks reachable,
// typically backed by the membership adapter.
type AliveFunc func(uuid string) bool

// ActiveMasterDecision records why a particular server was chosen as the
// active master of a replicaset, mirroring the teacher's
// selector.SelectionDecision so the failover worker can log it the same
// way selector.go logs node selection.
type ActiveMasterDecision struct {
	ReplicasetUUID string
	SelectedUUID   string
	Reason         string // "priority_winner", "only_candidate", "none_available"
	Candidates     int
}

// GetActiveMasters computes, for every replicaset, which server should be
// treated as master right now: the first candidate in Master priority
// order that exists, is not expelled, is not disabled, and is reported
// alive by aliveFn. If none qualify, the replicaset is left without an
// entry in the returned map (no master currently available).
func (t *Topology) GetActiveMasters(aliveFn AliveFunc) (map[string]string, []ActiveMasterDecision) {
	actives := make(map[string]string, len(t.Replicasets))
	decisions := make([]ActiveMasterDecision, 0, len(t.Replicasets))

	// Sort replicaset UUIDs for deterministic decision ordering in logs/tests.
	rsUUIDs := make([]string, 0, len(t.Replicasets))
	for uuid := range t.Replicasets {
		rsUUIDs = append(rsUUIDs, uuid)
	}
	sort.Strings(rsUUIDs)

	for _, rsUUID := range rsUUIDs {
		rs := t.Replicasets[rsUUID]
		candidates := 0
		decision := ActiveMasterDecision{ReplicasetUUID: rsUUID, Reason: "none_available"}

		for _, uuid := range rs.Master {
			srv, ok := t.Servers[uuid]
			if !ok || srv.Expelled || srv.Disabled {
				continue
			}
			candidates++
			if aliveFn != nil && !aliveFn(uuid) {
				continue
			}
			actives[rsUUID] = uuid
			decision.SelectedUUID = uuid
			if candidates == 1 {
				decision.Reason = "priority_winner"
			} else {
				decision.Reason = "only_candidate"
			}
			break
		}
		decision.Candidates = candidates
		decisions = append(decisions, decision)
	}

	return actives, decisions
}

// knownRoleTracker is the concrete backing for the "AddKnownRole" operation
// named in section 6: the role registry pushes into it at registration
// time, and Validate (clustervalidate) reads it back to check that a
// replicaset's enabled roles are all known.
type knownRoleTracker struct {
	mu    sync.Mutex
	names []string
	seen  map[string]bool
}

// KnownRoleTracker is the process-wide set of registered role names, kept
// here (rather than duplicated inside the role registry) since topology
// validation is the only consumer that needs it as a flat set. It starts
// out holding the built-in vshard roles.
var KnownRoleTracker = &knownRoleTracker{
	names: []string{VshardStorageRole, VshardRouterRole},
	seen:  map[string]bool{VshardStorageRole: true, VshardRouterRole: true},
}

// AddKnownRole records name as known. It is a no-op if name is already
// known (the role registry itself rejects duplicate registration; this is
// only the passthrough set the spec's section 6 names).
func (k *knownRoleTracker) AddKnownRole(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seen[name] {
		return
	}
	k.seen[name] = true
	k.names = append(k.names, name)
}

// Known returns the known role names, built-ins first.
func (k *knownRoleTracker) Known() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.names))
	copy(out, k.names)
	return out
}
