// Package applier bundles process-wide state (spec 4.I) and drives the
// local apply pipeline (spec 4.E): the orchestrator every other component
// is constructed around, the way server.Server bundles the teacher's
// loader/store/scheduler/selector. Unlike server.Server it is not itself a
// network listener — peerapi and cmd/clusterapplyd own that — it is the
// thing those layers call into.
package applier

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/clusterview"
	"clusterconf/membership"
	"clusterconf/roleregistry"
	"clusterconf/sharding"
	"clusterconf/topology"
)

// FailoverController is the subset of the failover worker's lifecycle the
// applier needs to drive as the final step of its own pipeline (4.E step
// 6). Defined here, implemented in package failover, to avoid an import
// cycle: failover depends on applier, not the reverse.
type FailoverController interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// Applier is the process-wide state described in spec 4.I: the active
// config holder, workdir, role registry, the clusterwide lock, the
// applier worker pool, and the collaborators the pipeline drives.
type Applier struct {
	myUUID string

	store    *clusterconfig.Store
	registry *roleregistry.Registry
	members  *membership.Table

	replicator   Replicator
	storageSvc   sharding.Service
	routerSvc    sharding.Service
	failoverCtrl FailoverController

	logger *zap.Logger
	pool   pond.Pool

	mu         sync.RWMutex
	baseCtx    context.Context
	active     clusterconfig.Doc
	topo       *topology.Topology
	firstErr   error
	servicesOn map[string]bool // role name -> currently enabled on this instance

	clusterwideLock int32 // 0 = free, 1 = held; guarded with atomic CAS
}

// New constructs an Applier. The failover controller is attached
// separately via SetFailoverController once it exists, since failover.New
// itself takes an *Applier.
func New(myUUID string, store *clusterconfig.Store, registry *roleregistry.Registry, members *membership.Table, replicator Replicator, storageSvc, routerSvc sharding.Service, logger *zap.Logger) *Applier {
	return &Applier{
		myUUID:     myUUID,
		store:      store,
		registry:   registry,
		members:    members,
		replicator: replicator,
		storageSvc: storageSvc,
		routerSvc:  routerSvc,
		logger:     logger,
		pool:       pond.NewPool(1),
		baseCtx:    context.Background(),
		servicesOn: map[string]bool{},
	}
}

// SetBaseContext sets the context long-lived workers started by the apply
// pipeline (the failover worker) are bound to. It defaults to
// context.Background; the daemon entrypoint passes its run context so
// workers stop with the process. The per-apply context must never be used
// for this — a commit arriving over peer RPC carries a request-scoped
// context that is cancelled as soon as the RPC returns, which would kill
// the worker it just started. Must be called before the first Apply.
func (a *Applier) SetBaseContext(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseCtx = ctx
}

// SetFailoverController attaches the failover worker handle. Must be
// called once, before the first Apply.
func (a *Applier) SetFailoverController(fc FailoverController) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failoverCtrl = fc
}

// MyUUID returns this instance's own server UUID.
func (a *Applier) MyUUID() string { return a.myUUID }

// Store exposes the config store to collaborators (2PC coordinator, peer
// RPC layer) that need the prepare/active/backup paths.
func (a *Applier) Store() *clusterconfig.Store { return a.store }

// Registry exposes the role registry to the validator and failover worker.
func (a *Applier) Registry() *roleregistry.Registry { return a.registry }

// Membership exposes the membership table to the peer fetcher and
// failover worker.
func (a *Applier) Membership() *membership.Table { return a.members }

// Topology returns the most recently parsed topology, or nil if nothing
// has been applied yet. Used by the failover worker to recompute active
// masters and derived sharding config between clusterwide patch rounds.
func (a *Applier) Topology() *topology.Topology {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.topo
}

// StorageService exposes the vshard-storage stand-in to the failover
// worker's reconfiguration step.
func (a *Applier) StorageService() sharding.Service { return a.storageSvc }

// RouterService exposes the vshard-router stand-in to the failover
// worker's reconfiguration step.
func (a *Applier) RouterService() sharding.Service { return a.routerSvc }

// ActiveDoc returns a read-only frozen view of the active configuration,
// or a zero Frozen if nothing has been applied yet. This is the entry
// point clusterview.GetReadonly/GetDeepcopy sit behind for external
// readers.
func (a *Applier) ActiveDoc() clusterview.Frozen {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return clusterview.Frozen{}
	}
	return clusterview.GetReadonly(a.active)
}

// ActiveDeepcopy returns an independently owned copy of the active
// configuration, or nil if nothing has been applied yet.
func (a *Applier) ActiveDeepcopy() clusterconfig.Doc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return nil
	}
	return clusterconfig.CloneDoc(a.active)
}

// LoadFromFile answers the load_from_file peer RPC endpoint (§6): return
// the active config, in memory if present, else by reading it straight off
// disk (used when a peer asks before this instance has run its own apply
// pipeline, e.g. immediately post-bootstrap-fetch).
func (a *Applier) LoadFromFile() (clusterconfig.Doc, error) {
	if doc := a.ActiveDeepcopy(); doc != nil {
		return doc, nil
	}
	return a.store.Load(a.store.ActivePath())
}

// TryLockClusterwide acquires the process-wide "clusterwide" lock
// non-blockingly. It returns false immediately on contention — per §5,
// there is no queuing.
func (a *Applier) TryLockClusterwide() bool {
	return atomic.CompareAndSwapInt32(&a.clusterwideLock, 0, 1)
}

// UnlockClusterwide releases the clusterwide lock.
func (a *Applier) UnlockClusterwide() {
	atomic.StoreInt32(&a.clusterwideLock, 0)
}

// PrepareLocal is the local half of the peer prepare_2pc endpoint: it
// exclusively creates config.prepare.yml with the candidate document. The
// caller (peerapi) is responsible for having already run validation.
func (a *Applier) PrepareLocal(doc clusterconfig.Doc) error {
	return a.store.WriteExclusive(a.store.PreparePath(), doc)
}

// AbortLocal unlinks a prepare file, idempotently.
func (a *Applier) AbortLocal() error {
	return a.store.Unlink(a.store.PreparePath())
}

// CommitLocal is the local half of the peer commit_2pc endpoint: promote
// the prepared file into place, then load it back off disk and run it
// through the apply pipeline on the single applier worker (4.F step 7:
// "remote loads from disk and runs local applier").
func (a *Applier) CommitLocal(ctx context.Context) error {
	if err := a.store.Promote(a.store.PreparePath(), a.store.ActivePath(), a.store.BackupPath()); err != nil {
		return err
	}
	doc, err := a.store.Load(a.store.ActivePath())
	if err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "reload promoted config")
	}
	return a.submit(ctx, doc)
}

// Apply is the public entry point described in 4.E's closing paragraph:
// persist doc to the active config file, then submit it to the applier
// worker. Used for a fresh bootstrap load and for directly applying a
// peer-fetched config — anywhere there is no separate prepare/commit
// round already managing the on-disk file.
func (a *Applier) Apply(ctx context.Context, doc clusterconfig.Doc) error {
	raw, err := clusterconfig.Encode(doc)
	if err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "encode active config")
	}
	if err := os.WriteFile(a.store.ActivePath(), raw, 0o644); err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "persist active config")
	}
	return a.submit(ctx, doc)
}

// submit waits for the single-slot worker to be ready and runs the
// pipeline on it, failing fast if the pool has already been stopped (the
// "dead worker" case in 4.E).
func (a *Applier) submit(ctx context.Context, doc clusterconfig.Doc) error {
	if a.pool.Stopped() {
		return clustererr.New(clustererr.ConfigApply, "applier worker is no longer running")
	}

	task := a.pool.SubmitErr(func() error {
		return a.runPipeline(ctx, doc)
	})
	if err := task.Wait(); err != nil {
		return err
	}
	return nil
}

// Shutdown stops the applier worker pool and the failover worker, if
// running.
func (a *Applier) Shutdown() {
	a.mu.RLock()
	fc := a.failoverCtrl
	a.mu.RUnlock()
	if fc != nil && fc.Running() {
		fc.Stop()
	}
	a.pool.StopAndWait()
}
