package twopc

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/metrics"
	"clusterconf/topology"
)

// Coordinator drives PatchClusterwide (spec 4.F): merge, validate, then
// prepare/commit (or abort) across every participant in sorted URI order.
type Coordinator struct {
	app    *applier.Applier
	client *PeerClient
	logger *zap.Logger
}

// NewCoordinator builds a Coordinator bound to app's process-wide state.
func NewCoordinator(app *applier.Applier, client *PeerClient, logger *zap.Logger) *Coordinator {
	return &Coordinator{app: app, client: client, logger: logger}
}

// PatchClusterwide merges patch into the active configuration, validates
// it, and drives a full prepare/commit (or abort) round against every
// participant, including this instance's own peer RPC listener.
func (co *Coordinator) PatchClusterwide(ctx context.Context, patch clusterconfig.Patch) (retErr error) {
	if !co.app.TryLockClusterwide() {
		metrics.PatchRounds.WithLabelValues("atomic_rejected").Inc()
		return clustererr.New(clustererr.Atomic, "a clusterwide patch round is already in flight on this instance")
	}
	defer co.app.UnlockClusterwide()

	roundID := uuid.NewString()
	start := time.Now()
	outcome := "committed"
	defer func() {
		metrics.PatchRounds.WithLabelValues(outcome).Inc()
		metrics.PatchRoundDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	logger := co.logger.With(zap.String("round_id", roundID))

	oldDoc := co.app.ActiveDeepcopy()
	newDoc := clusterconfig.MergePatch(oldDoc, patch)

	if err := topology.Validate(newDoc, oldDoc, co.app.Registry().GetKnownRoles()); err != nil {
		outcome = "aborted"
		return clustererr.Wrapf(clustererr.ConfigValidate, err, "clusterwide patch rejected before prepare")
	}

	participants := participantURIs(oldDoc, newDoc)
	logger.Info("starting clusterwide patch round", zap.Strings("participants", participants))

	prepared := make([]string, 0, len(participants))
	var prepareErr error
	for _, uri := range participants {
		if err := co.client.Prepare2PC(ctx, uri, newDoc); err != nil {
			prepareErr = clustererr.Wrapf(clustererr.ConfigApply, err, "prepare failed on %s", uri)
			logger.Warn("prepare failed, aborting round", zap.String("uri", uri), zap.Error(err))
			break
		}
		prepared = append(prepared, uri)
	}

	if prepareErr != nil {
		outcome = "aborted"
		for _, uri := range prepared {
			if err := co.client.Abort2PC(ctx, uri); err != nil {
				logger.Warn("abort failed", zap.String("uri", uri), zap.Error(err))
				continue
			}
			logger.Info("aborted prepared participant", zap.String("uri", uri))
		}
		return prepareErr
	}

	var firstCommitErr error
	for _, uri := range participants {
		if err := co.client.Commit2PC(ctx, uri); err != nil {
			wrapped := clustererr.Wrapf(clustererr.ConfigApply, err, "commit failed on %s", uri)
			logger.Error("commit failed, continuing with remaining participants", zap.String("uri", uri), zap.Error(err))
			if firstCommitErr == nil {
				firstCommitErr = wrapped
			}
			continue
		}
		logger.Info("committed participant", zap.String("uri", uri))
	}

	if firstCommitErr != nil {
		logger.Error("clusterwide patch round completed with commit errors; manual reconciliation required")
		return firstCommitErr
	}
	return nil
}

// participantURIs computes the set named in spec 4.F step 5: every server
// UUID present in newDoc's topology that is not expelled, not disabled,
// and already present in oldDoc's topology — newly-bootstrapping servers
// are excluded, they join via the peer fetcher instead. URIs are sorted
// for deterministic iteration order.
func participantURIs(oldDoc, newDoc clusterconfig.Doc) []string {
	newTopo, err := topology.Parse(newDoc)
	if err != nil {
		return nil
	}
	var oldTopo *topology.Topology
	if oldDoc != nil {
		oldTopo, _ = topology.Parse(oldDoc)
	}
	if oldTopo == nil {
		return nil
	}

	uris := make([]string, 0, len(newTopo.Servers))
	for uuid, srv := range newTopo.Servers {
		if srv.Expelled || srv.Disabled || srv.URI == "" {
			continue
		}
		if _, existed := oldTopo.Servers[uuid]; !existed {
			continue
		}
		uris = append(uris, srv.URI)
	}
	sort.Strings(uris)
	return uris
}
