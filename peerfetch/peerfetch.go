// Package peerfetch locates a suitable peer via the membership table and
// pulls its active configuration (spec 4.G): a bootstrap/out-of-sync
// instance's way of catching up without waiting for the next clusterwide
// patch round.
//
// Grounded on selector/selector.go: filter candidates down to the
// eligible set, then pick one and log the decision — generalized here
// from "rank by height then latency" to "uniformly at random among
// live, trustworthy peers", since a config fetch has no notion of
// freshness to rank on.
package peerfetch

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"clusterconf/clusterconfig"
	"clusterconf/clustererr"
	"clusterconf/membership"
	"clusterconf/topology"
	"clusterconf/twopc"
)

// Fetcher resolves a peer to load a bootstrap configuration from.
type Fetcher struct {
	myUUID  string
	members *membership.Table
	client  *twopc.PeerClient
	store   *clusterconfig.Store
	logger  *zap.Logger
}

// New builds a Fetcher.
func New(myUUID string, members *membership.Table, client *twopc.PeerClient, store *clusterconfig.Store, logger *zap.Logger) *Fetcher {
	return &Fetcher{myUUID: myUUID, members: members, client: client, store: store, logger: logger}
}

// FetchFromMembership resolves and loads a configuration document. Per
// 4.G, a hint only ever triggers the local-disk fallback when it is
// provided but does not account for this instance (absent, expelled, or
// the cluster is down to one server) — a missing hint at all (the pure
// bootstrap case, S6: no local config.yml exists yet to derive a hint
// from) falls through to searching membership, unfiltered. A nil, nil
// return means no peer was currently eligible and the caller should
// retry later.
func (f *Fetcher) FetchFromMembership(ctx context.Context, topologyHint clusterconfig.Doc) (clusterconfig.Doc, error) {
	hint, fallbackToDisk := f.resolveHint(topologyHint)
	if fallbackToDisk {
		doc, err := f.store.Load(f.store.ActivePath())
		if err != nil {
			return nil, clustererr.Wrapf(clustererr.ConfigFetch, err, "hint not actionable, falling back to local config")
		}
		return doc, nil
	}

	candidates := f.eligiblePeers(hint)
	if len(candidates) == 0 {
		f.logger.Info("peer fetch found no eligible candidates this round")
		return nil, nil
	}

	chosen := candidates[rand.Intn(len(candidates))]
	f.logger.Info("peer fetch selected candidate", zap.String("uri", chosen), zap.Int("candidates", len(candidates)))

	doc, err := f.client.LoadFromFile(ctx, chosen)
	if err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigFetch, err, "load_from_file against %s", chosen)
	}
	return doc, nil
}

// resolveHint decides whether topologyHint should gate the peer search,
// per 4.G. Only a hint that is present but unusable — this instance
// absent from it, expelled in it, or a single-server cluster — means
// "fall back to local disk": there is nothing membership can tell this
// instance that its own hint didn't already settle. No hint at all is
// the opposite case (nothing local to fall back to either), so it falls
// through to an unfiltered membership search.
func (f *Fetcher) resolveHint(topologyHint clusterconfig.Doc) (hint *topology.Topology, fallbackToDisk bool) {
	if topologyHint == nil {
		return nil, false
	}
	hint, err := topology.Parse(topologyHint)
	if err != nil {
		return nil, true
	}
	if len(hint.Servers) <= 1 {
		return nil, true
	}
	srv, ok := hint.Servers[f.myUUID]
	if !ok || srv.Expelled {
		return nil, true
	}
	return hint, false
}

// eligiblePeers returns the membership-reported URIs of peers this
// instance may trust to fetch a config from: alive, reporting a UUID
// payload, reporting no error, not myself, and — when a hint was
// resolved — present in it. A nil hint (bootstrap with nothing local at
// all) applies no such filter.
func (f *Fetcher) eligiblePeers(hint *topology.Topology) []string {
	self := f.members.Myself()

	var candidates []string
	for _, pair := range f.members.Pairs() {
		if !pair.Alive || pair.Payload.UUID == "" || pair.Payload.Error != "" {
			continue
		}
		if pair.URI == self.URI {
			continue
		}
		if hint != nil {
			if _, known := hint.Servers[pair.Payload.UUID]; !known {
				continue
			}
		}
		candidates = append(candidates, pair.URI)
	}
	return candidates
}
