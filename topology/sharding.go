package topology

import (
	"fmt"
	"sort"

	"clusterconf/clusterconfig"
)

// Built-in vshard role names. They live here rather than in roleregistry
// because sharding derivation and topology validation both key on them;
// roleregistry re-exports them for its consumers.
const (
	VshardStorageRole = "vshard-storage"
	VshardRouterRole  = "vshard-router"
)

// ShardingReplica is one server's entry in a derived vshard sharding
// config, the shape the built-in storage/router contracts (package
// sharding) expect from Cfg.
type ShardingReplica struct {
	URI    string
	Weight float64
	Master bool
}

// ShardingReplicaset is one replicaset's entry in a derived sharding
// config.
type ShardingReplicaset struct {
	Weight   float64
	Replicas map[string]ShardingReplica // server UUID -> replica
}

// ShardingConfig is the full derived vshard sharding map: replicaset UUID
// -> its replicas. It is comparable with reflect.DeepEqual, which the
// failover worker relies on (spec 4.H step 3: "compare deeply").
type ShardingConfig struct {
	BucketCount int
	Sharding    map[string]ShardingReplicaset
}

// GetVshardShardingConfig derives the sharding map from the topology and
// the doc's vshard.bucket_count. The map always describes the
// vshard-storage replicasets — a router holds no buckets itself, it routes
// to the storages — so storage and router services are both configured
// from this one derivation.
func (t *Topology) GetVshardShardingConfig(doc clusterconfig.Doc) (ShardingConfig, error) {
	vshard, ok := doc.Section("vshard")
	if !ok {
		return ShardingConfig{}, fmt.Errorf("vshard: missing or not a mapping")
	}
	bucketCount, ok := toFloat(vshard["bucket_count"])
	if !ok || bucketCount <= 0 {
		return ShardingConfig{}, fmt.Errorf("vshard.bucket_count must be a positive integer")
	}

	cfg := ShardingConfig{
		BucketCount: int(bucketCount),
		Sharding:    map[string]ShardingReplicaset{},
	}

	rsUUIDs := make([]string, 0, len(t.Replicasets))
	for uuid := range t.Replicasets {
		rsUUIDs = append(rsUUIDs, uuid)
	}
	sort.Strings(rsUUIDs)

	actives, _ := t.GetActiveMasters(nil)

	for _, rsUUID := range rsUUIDs {
		rs := t.Replicasets[rsUUID]
		if !rs.Roles[VshardStorageRole] {
			continue
		}

		masterUUID := actives[rsUUID]
		if masterUUID == "" && len(rs.Master) > 0 {
			masterUUID = rs.Master[0]
		}

		replicas := make(map[string]ShardingReplica, len(rs.Master))
		for _, uuid := range rs.Master {
			srv, ok := t.Servers[uuid]
			if !ok || srv.Expelled {
				continue
			}
			weight := 0.0
			isMaster := uuid == masterUUID
			if isMaster || rs.AllRW {
				weight = 1.0
			}
			replicas[uuid] = ShardingReplica{URI: srv.URI, Weight: weight, Master: isMaster}
		}

		cfg.Sharding[rsUUID] = ShardingReplicaset{Weight: rs.Weight, Replicas: replicas}
	}

	return cfg, nil
}
