// Package failover implements the long-lived failover worker (spec 4.H):
// one goroutine per instance, woken by membership changes, that
// recomputes active masters, reconciles the built-in sharding services,
// and re-validates/re-applies every currently installed role — all
// without touching the on-disk configuration or the 2PC machinery.
//
// Worker lifecycle is grounded on checker/scheduler.go's Start/Stop
// shape (a goroutine with its own cancellation, stopped by waiting for
// it to drain rather than abandoning it); candidate ranking is grounded
// on selector/selector.go's GetBestNode tie-break idiom, generalized
// from height/latency to replicaset master priority order (see
// topology.GetActiveMasters and logDecision).
package failover

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/metrics"
	"clusterconf/roleregistry"
	"clusterconf/sharding"
	"clusterconf/topology"
)

// Worker is the concrete applier.FailoverController implementation.
type Worker struct {
	app    *applier.Applier
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Worker bound to app. It must be attached to app via
// app.SetFailoverController before the applier's pipeline first runs.
func New(app *applier.Applier, logger *zap.Logger) *Worker {
	return &Worker{app: app, logger: logger}
}

// Start launches the worker goroutine if it is not already running. It
// is idempotent: calling it while already running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running = true

	// Subscribe before the goroutine starts so that a membership change
	// made right after Start returns is not missed.
	ch, unsubscribe := w.app.Membership().Subscribe()
	go w.loop(runCtx, done, ch, unsubscribe)
}

// Stop cancels the worker goroutine and waits for it to exit, unsubscribing
// it from membership in the process. It is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the worker goroutine is currently active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(ctx context.Context, done chan struct{}, ch <-chan struct{}, unsubscribe func()) {
	// Clear running on every exit path, not just Stop: if the worker's
	// context is cancelled out from under it, Running() must report false
	// so the next apply round can start a fresh worker.
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(done)
	}()

	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			w.iterate()
		}
	}
}

// iterate runs one pass of 4.H steps 2-4: recompute active masters,
// reconcile sharding, and re-drive every installed role. A failure in any
// role or sharding service is logged and skipped, never aborting the
// iteration.
func (w *Worker) iterate() {
	topo := w.app.Topology()
	if topo == nil {
		return
	}

	actives, decisions := topo.GetActiveMasters(w.app.Membership().AliveFunc())
	for _, d := range decisions {
		w.logDecision(d)
	}

	rsUUID, hasReplicaset := topo.ReplicasetOf(w.app.MyUUID())
	isMaster := hasReplicaset && actives[rsUUID] == w.app.MyUUID()

	conf := w.app.ActiveDeepcopy()
	if conf == nil {
		return
	}

	var rs topology.Replicaset
	if hasReplicaset {
		rs = topo.Replicasets[rsUUID]
	}

	w.reconcileSharding(topo, conf, rs)
	w.reapplyRoles(conf, isMaster)

	metrics.FailoverIterations.WithLabelValues("reconfigured").Inc()
}

func (w *Worker) logDecision(d topology.ActiveMasterDecision) {
	w.logger.Debug("failover worker: active master decision",
		zap.String("replicaset", d.ReplicasetUUID),
		zap.String("selected", d.SelectedUUID),
		zap.String("reason", d.Reason),
		zap.Int("candidates", d.Candidates),
	)
	if d.SelectedUUID != "" {
		metrics.ActiveMasterChanges.WithLabelValues(d.ReplicasetUUID).Inc()
	}
}

// reconcileSharding derives the sharding map once and pushes it into the
// storage service first, then the router (4.H step 3), skipping each
// service whose config already deep-equals the derived one.
func (w *Worker) reconcileSharding(topo *topology.Topology, conf map[string]any, rs topology.Replicaset) {
	storageOn := rs.Roles[roleregistry.VshardStorage] && w.app.StorageService() != nil
	routerOn := rs.Roles[roleregistry.VshardRouter] && w.app.RouterService() != nil
	if !storageOn && !routerOn {
		return
	}

	next, err := topo.GetVshardShardingConfig(conf)
	if err != nil {
		w.logger.Error("failover worker: derive sharding config failed", zap.Error(err))
		metrics.FailoverIterations.WithLabelValues("error").Inc()
		return
	}

	if storageOn {
		w.reconcileOne(roleregistry.VshardStorage, w.app.StorageService(), next)
	}
	if routerOn {
		w.reconcileOne(roleregistry.VshardRouter, w.app.RouterService(), next)
	}
}

func (w *Worker) reconcileOne(roleName string, svc sharding.Service, next topology.ShardingConfig) {
	if current, ok := svc.Current(); ok && reflect.DeepEqual(current, next) {
		return
	}

	if err := svc.Cfg(next); err != nil {
		w.logger.Error("failover worker: reconfigure sharding service failed", zap.String("role", roleName), zap.Error(err))
		metrics.FailoverIterations.WithLabelValues("error").Inc()
		return
	}
	w.logger.Info("failover worker: sharding service reconfigured", zap.String("role", roleName))
}

// reapplyRoles re-validates and re-applies every role whose service is
// currently installed (i.e. was Init'd by the local apply pipeline and
// never Stop'd). Failures are logged per-role and never abort the loop.
func (w *Worker) reapplyRoles(conf map[string]any, isMaster bool) {
	registry := w.app.Registry()
	for _, name := range registry.Ordered() {
		if _, installed := registry.Service(name); !installed {
			continue
		}
		role, ok := registry.Get(name)
		if !ok {
			continue
		}

		if err := role.ValidateConfig(conf, conf); err != nil {
			w.logger.Error("failover worker: role revalidation failed", zap.String("role", name), zap.Error(err))
			metrics.FailoverIterations.WithLabelValues("error").Inc()
			continue
		}
		if err := role.ApplyConfig(conf, isMaster); err != nil {
			w.logger.Error("failover worker: role reapply failed", zap.String("role", name), zap.Error(err))
			metrics.FailoverIterations.WithLabelValues("error").Inc()
			continue
		}
	}
}
