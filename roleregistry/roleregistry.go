// Package roleregistry is the process-wide record of which roles a
// clusterapplyd instance knows how to configure, and the live handlers
// backing each one once the role has been initialized against a config.
//
// Registration order is significant — it is the order configuration is
// applied in (section 4.B of the spec) — so the name->Role list is kept
// behind a plain mutex and a slice rather than a concurrent map. The
// service registry (role name -> live handler instance) has no such
// ordering requirement, and is backed by xsync.Map the way the teacher's
// storage.HeightStore backs its node-metrics table.
package roleregistry

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"clusterconf/clustererr"
	"clusterconf/metrics"
	"clusterconf/topology"
)

// Built-in role names, always known regardless of what a deployment
// registers: the sharding package's stand-in contracts answer to these.
// The canonical definitions live in package topology, which keys sharding
// derivation on them.
const (
	VshardStorage = topology.VshardStorageRole
	VshardRouter  = topology.VshardRouterRole
)

// Role is the contract a deployment-specific role implementation
// satisfies. All four hooks are optional: a role that only cares about
// ApplyConfig can embed NoopRole and override just that method.
type Role interface {
	// ValidateConfig is called with the candidate document before it is
	// committed anywhere; returning an error aborts the whole apply.
	ValidateConfig(confNew, confOld map[string]any) error
	// Init is called once, the first time this role becomes enabled on
	// this instance, carrying whether this instance is currently master
	// of its replicaset.
	Init(isMaster bool) error
	// ApplyConfig is called every time a committed configuration touches
	// a replicaset this role is enabled on.
	ApplyConfig(conf map[string]any, isMaster bool) error
	// Stop is called when this role becomes disabled on this instance.
	Stop(isMaster bool) error
}

// Legacy is an older, narrower hook some roles still implement instead of
// ValidateConfig: a single-document validator with no "old" argument. The
// registry dispatches to it when present and logs a one-time deprecation
// warning per role, mirroring the teacher's handling of superseded
// config-validator shapes in config/validator.go.
type Legacy interface {
	Validate(conf map[string]any) error
}

// NoopRole can be embedded by a Role implementation to get no-op defaults
// for any hook it doesn't care about.
type NoopRole struct{}

func (NoopRole) ValidateConfig(_, _ map[string]any) error   { return nil }
func (NoopRole) Init(bool) error                            { return nil }
func (NoopRole) ApplyConfig(_ map[string]any, _ bool) error { return nil }
func (NoopRole) Stop(bool) error                            { return nil }

type entry struct {
	name     string
	role     Role
	warnOnce sync.Once
}

// Registry holds the ordered role list and the live service handlers.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry

	services *xsync.MapOf[string, any]

	log *zap.Logger
}

// New builds an empty registry. The built-in vshard roles are recorded in
// topology.KnownRoleTracker immediately so validation accepts them even
// before any deployment-specific role registers.
func New(log *zap.Logger) *Registry {
	topology.KnownRoleTracker.AddKnownRole(VshardStorage)
	topology.KnownRoleTracker.AddKnownRole(VshardRouter)
	return &Registry{
		byName:   map[string]*entry{},
		services: xsync.NewMapOf[string, any](),
		log:      log,
	}
}

// Register adds role under name, in call order. Registering the same name
// twice is a RegisterRole error — role identity is load-bearing for the
// apply sequence, so silently overwriting one would change apply order
// underneath whoever called register first.
func (r *Registry) Register(name string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		metrics.RoleRegistrations.WithLabelValues("duplicate").Inc()
		return clustererr.New(clustererr.RegisterRole, "role "+name+" already registered")
	}
	metrics.RoleRegistrations.WithLabelValues("registered").Inc()

	e := &entry{name: name, role: role}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	topology.KnownRoleTracker.AddKnownRole(name)

	if r.log != nil {
		r.log.Info("role registered", zap.String("role", name))
	}
	return nil
}

// Ordered returns the registered role names in registration order.
func (r *Registry) Ordered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

// Get returns the Role registered under name.
func (r *Registry) Get(name string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.role, true
}

// GetKnownRoles returns every role name this registry (or the built-ins)
// will accept in a topology.replicasets[x].roles list.
func (r *Registry) GetKnownRoles() []string {
	return topology.KnownRoleTracker.Known()
}

// ValidateAll runs ValidateConfig, and then the legacy Validate if the
// role also implements Legacy, for every registered role against the
// candidate document, in registration order, stopping at the first failure.
func (r *Registry) ValidateAll(confNew, confOld map[string]any) error {
	r.mu.Lock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.role.ValidateConfig(confNew, confOld); err != nil {
			return clustererr.Wrapf(clustererr.ConfigValidate, err, "role %s rejected configuration", e.name)
		}
		if legacy, ok := e.role.(Legacy); ok {
			e.warnOnce.Do(func() {
				if r.log != nil {
					r.log.Warn("role uses legacy single-argument Validate hook", zap.String("role", e.name))
				}
			})
			if err := legacy.Validate(confNew); err != nil {
				return clustererr.Wrapf(clustererr.ConfigValidate, err, "role %s rejected configuration (legacy hook)", e.name)
			}
		}
	}
	return nil
}

// RegisterService records the live handler instance for an initialized
// role, keyed by role name. Lookup order never matters here, which is why
// this half of the registry is backed by xsync.Map instead of the
// mutex+slice used for role registration.
func (r *Registry) RegisterService(name string, handler any) {
	r.services.Store(name, handler)
}

// Service returns the live handler for an initialized role, if any.
func (r *Registry) Service(name string) (any, bool) {
	return r.services.Load(name)
}

// UnregisterService drops the live handler for a role that has just been
// stopped (its replicaset no longer enables it).
func (r *Registry) UnregisterService(name string) {
	r.services.Delete(name)
}
