package maintenance

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/clusterconfig"
	"clusterconf/membership"
	"clusterconf/roleregistry"
	"clusterconf/sharding"
)

func newTestApplier(t *testing.T) *applier.Applier {
	t.Helper()
	logger := zap.NewNop()
	store := clusterconfig.NewStore(t.TempDir(), logger)
	registry := roleregistry.New(logger)
	members := membership.New("node1:3301", "master-uuid", logger)
	a := applier.New("master-uuid", store, registry, members, applier.NewLoggingReplicator(logger), sharding.NewStorage(), sharding.NewRouter(), logger)
	t.Cleanup(a.Shutdown)
	return a
}

func TestSweepFlagsStalePrepareFile(t *testing.T) {
	a := newTestApplier(t)
	preparePath := a.Store().PreparePath()
	if err := os.WriteFile(preparePath, []byte("topology: {}\n"), 0o644); err != nil {
		t.Fatalf("seed prepare file: %v", err)
	}
	oldTime := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(preparePath, oldTime, oldTime); err != nil {
		t.Fatalf("backdate prepare file: %v", err)
	}

	s := New(a, nil, zap.NewNop(), "*/30 * * * * *")
	s.checkStalePrepare()

	exists, _, err := a.Store().PrepareFileStat()
	if err != nil {
		t.Fatalf("stat prepare file: %v", err)
	}
	if !exists {
		t.Error("expected checkStalePrepare to leave the prepare file in place")
	}
}

func TestSweepIgnoresFreshPrepareFile(t *testing.T) {
	a := newTestApplier(t)
	preparePath := a.Store().PreparePath()
	if err := os.WriteFile(preparePath, []byte("topology: {}\n"), 0o644); err != nil {
		t.Fatalf("seed prepare file: %v", err)
	}

	s := New(a, nil, zap.NewNop(), "*/30 * * * * *")
	s.checkStalePrepare() // should not panic or remove the file

	if _, err := os.Stat(preparePath); err != nil {
		t.Errorf("expected fresh prepare file to remain: %v", err)
	}
}

func TestRefreshMirrorIsNoopWhenDisabled(t *testing.T) {
	a := newTestApplier(t)
	s := New(a, nil, zap.NewNop(), "*/30 * * * * *")
	s.refreshMirror() // must not panic with a nil mirror
}

func TestStartAndStop(t *testing.T) {
	a := newTestApplier(t)
	s := New(a, nil, zap.NewNop(), "*/30 * * * * *")
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
}
