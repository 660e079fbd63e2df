package applier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/membership"
	"clusterconf/metrics"
	"clusterconf/roleregistry"
	"clusterconf/topology"
)

// runPipeline is the local apply pipeline (spec 4.E), run on the single
// applier worker goroutine. doc has already passed clustervalidate.Validate
// and is either freshly persisted (Apply) or freshly promoted off disk
// (CommitLocal): this function's only job is to make the running process
// match it.
//
//  1. freeze the document and parse its topology
//  2. reconfigure replication for this instance's own replicaset
//  3. recompute is_master for this instance's replicaset
//  4. reconfigure the built-in vshard storage/router roles, if enabled
//  5. drive every user role's Init/ApplyConfig/Stop in registration order
//  6. start or stop the failover worker according to topology.failover
//  7. publish this instance's resulting status on the membership table
func (a *Applier) runPipeline(ctx context.Context, doc clusterconfig.Doc) (retErr error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if retErr != nil {
			outcome = "error"
		}
		metrics.ApplyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	topo, err := topology.Parse(doc)
	if err != nil {
		metrics.ApplyStepErrors.WithLabelValues("parse_topology").Inc()
		return clustererr.Wrapf(clustererr.ConfigApply, err, "parse topology")
	}

	a.mu.Lock()
	a.active = clusterconfig.CloneDoc(doc)
	a.topo = topo
	a.mu.Unlock()

	rsUUID, hasReplicaset := topo.ReplicasetOf(a.myUUID)

	// Steps 2, 4 and 5 each log and remember their first failure but never
	// abort the pipeline: a hiccup in one step must not prevent the rest of
	// this round's steps (including step 6, the failover worker) from
	// running (spec 4.E).
	var firstStepErr error
	noteErr := func(label string, err error) {
		metrics.ApplyStepErrors.WithLabelValues(label).Inc()
		a.recordFailure(ctx, err)
		if firstStepErr == nil {
			firstStepErr = err
		}
	}

	if hasReplicaset {
		if err := a.stepReplication(topo, rsUUID); err != nil {
			noteErr("replication", err)
		}
	}

	actives, decisions := topo.GetActiveMasters(a.members.AliveFunc())
	for _, d := range decisions {
		if d.SelectedUUID != "" {
			metrics.ActiveMasterChanges.WithLabelValues(d.ReplicasetUUID).Inc()
		}
	}
	isMaster := hasReplicaset && actives[rsUUID] == a.myUUID

	var rs topology.Replicaset
	if hasReplicaset {
		rs = topo.Replicasets[rsUUID]
	}

	if err := a.stepBuiltinSharding(doc, rs); err != nil {
		noteErr("sharding", err)
	}

	if err := a.stepUserRoles(doc, rs, isMaster); err != nil {
		noteErr("role_apply", err)
	}

	a.stepFailover(topo, rs)

	if firstStepErr != nil {
		return firstStepErr
	}
	a.members.SetPayload(membership.Payload{UUID: a.myUUID, Ready: true})
	return nil
}

func (a *Applier) stepReplication(topo *topology.Topology, rsUUID string) error {
	uris := topo.GetReplicationConfig(rsUUID)
	if err := a.replicator.SetReplicationConfig(rsUUID, uris); err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "reconfigure replication for replicaset %s", rsUUID)
	}
	return nil
}

// stepBuiltinSharding derives the sharding map once and configures
// whichever built-in services this replicaset enables, registering each
// configured one in the service registry (and dropping the registry entry
// of one no longer enabled).
func (a *Applier) stepBuiltinSharding(doc clusterconfig.Doc, rs topology.Replicaset) error {
	storageOn := rs.Roles[roleregistry.VshardStorage] && a.storageSvc != nil
	routerOn := rs.Roles[roleregistry.VshardRouter] && a.routerSvc != nil
	if !storageOn {
		a.registry.UnregisterService(roleregistry.VshardStorage)
	}
	if !routerOn {
		a.registry.UnregisterService(roleregistry.VshardRouter)
	}
	if !storageOn && !routerOn {
		return nil
	}

	cfg, err := a.topo.GetVshardShardingConfig(doc)
	if err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "derive vshard sharding config")
	}
	if storageOn {
		if err := a.storageSvc.Cfg(cfg); err != nil {
			return clustererr.Wrapf(clustererr.ConfigApply, err, "apply vshard-storage sharding config")
		}
		a.registry.RegisterService(roleregistry.VshardStorage, a.storageSvc)
	}
	if routerOn {
		if err := a.routerSvc.Cfg(cfg); err != nil {
			return clustererr.Wrapf(clustererr.ConfigApply, err, "apply vshard-router sharding config")
		}
		a.registry.RegisterService(roleregistry.VshardRouter, a.routerSvc)
	}
	return nil
}

// stepUserRoles drives every registered role's lifecycle hook in
// registration order: a role newly enabled on this instance's replicaset
// gets Init then ApplyConfig; a role that stays enabled gets ApplyConfig;
// a role that was enabled and no longer is gets Stop. Per spec 4.E step 5,
// a single role's failure is recorded (the first one wins) but never stops
// the loop from reaching the remaining roles.
func (a *Applier) stepUserRoles(doc clusterconfig.Doc, rs topology.Replicaset, isMaster bool) error {
	a.mu.Lock()
	prevOn := a.servicesOn
	if prevOn == nil {
		prevOn = map[string]bool{}
	}
	nextOn := map[string]bool{}
	a.mu.Unlock()

	var firstErr error
	note := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, name := range a.registry.Ordered() {
		role, ok := a.registry.Get(name)
		if !ok {
			continue
		}
		enabled := rs.Roles[name]

		switch {
		case enabled && !prevOn[name]:
			if err := role.Init(isMaster); err != nil {
				note(clustererr.Wrapf(clustererr.ConfigApply, err, "role %s: init", name))
				continue
			}
			a.registry.RegisterService(name, role)
			if err := role.ApplyConfig(doc, isMaster); err != nil {
				note(clustererr.Wrapf(clustererr.ConfigApply, err, "role %s: apply", name))
			}
			nextOn[name] = true

		case enabled && prevOn[name]:
			nextOn[name] = true
			if err := role.ApplyConfig(doc, isMaster); err != nil {
				note(clustererr.Wrapf(clustererr.ConfigApply, err, "role %s: apply", name))
			}

		case !enabled && prevOn[name]:
			if err := role.Stop(isMaster); err != nil {
				note(clustererr.Wrapf(clustererr.ConfigApply, err, "role %s: stop", name))
			}
			a.registry.UnregisterService(name)
		}
	}

	a.mu.Lock()
	a.servicesOn = nextOn
	a.mu.Unlock()
	return firstErr
}

// stepFailover starts or stops the failover worker so that it runs
// exactly when topology.failover is set and one of the built-in vshard
// roles is enabled on this replicaset (4.E step 6) — an instance with no
// sharding duties has nothing to reconfigure on a master change. The
// worker outlives the apply that started it, so it is bound to the
// applier's base context, never the per-apply one (which on the peer RPC
// commit path is cancelled the moment the RPC returns).
func (a *Applier) stepFailover(topo *topology.Topology, rs topology.Replicaset) {
	a.mu.RLock()
	fc := a.failoverCtrl
	baseCtx := a.baseCtx
	a.mu.RUnlock()
	if fc == nil {
		return
	}
	wantOn := topo.Failover && (rs.Roles[roleregistry.VshardStorage] || rs.Roles[roleregistry.VshardRouter])
	switch {
	case wantOn && !fc.Running():
		fc.Start(baseCtx)
	case !wantOn && fc.Running():
		fc.Stop()
	}
}

// recordFailure remembers the first pipeline error this instance has hit
// since startup (for diagnostics) and publishes it on the membership
// table, the way a role would report {error: "..."} about itself.
func (a *Applier) recordFailure(_ context.Context, err error) {
	a.mu.Lock()
	if a.firstErr == nil {
		a.firstErr = err
	}
	a.mu.Unlock()

	a.members.SetPayload(membership.Payload{UUID: a.myUUID, Error: err.Error()})

	if a.logger != nil {
		a.logger.Error("local apply pipeline step failed", zap.Error(err))
	}
}
