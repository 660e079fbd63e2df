// Package sharding stands in for the built-in vshard-storage/vshard-router
// services described in spec section 4 as external collaborators: the
// local applier's "apply built-in sharding config" step (4.E step 4) and
// the failover worker's reconfiguration step (4.H step 3) both need
// something to hand a derived topology.ShardingConfig to. The real
// vshard engine lives outside this module's scope (an explicit
// Non-goal); this package only tracks what the most recent Cfg call
// received, so the rest of the system has a concrete, introspectable
// collaborator to apply against and tests can assert on it.
//
// There is no teacher or pack equivalent for a sharding engine to adapt:
// this is new code, grounded only in the shape topology.ShardingConfig
// requires of a consumer.
package sharding

import (
	"sync"

	"clusterconf/topology"
)

// Service is the contract both built-in roles (vshard-storage and
// vshard-router) satisfy: apply a derived sharding configuration, and
// report back the one currently in effect.
type Service interface {
	Cfg(cfg topology.ShardingConfig) error
	Current() (topology.ShardingConfig, bool)
}

// instance is the concrete Service implementation used for both built-in
// roles; the two differ only in name, never in behavior, since from this
// module's point of view they are equally opaque "hand the derived
// config to the engine" collaborators.
type instance struct {
	mu      sync.Mutex
	current topology.ShardingConfig
	has     bool
}

// NewStorage builds the vshard-storage stand-in.
func NewStorage() Service { return &instance{} }

// NewRouter builds the vshard-router stand-in.
func NewRouter() Service { return &instance{} }

// Cfg records cfg as the currently applied sharding configuration.
func (i *instance) Cfg(cfg topology.ShardingConfig) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = cfg
	i.has = true
	return nil
}

// Current returns the most recently applied configuration, if any.
func (i *instance) Current() (topology.ShardingConfig, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current, i.has
}
