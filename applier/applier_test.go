package applier

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"clusterconf/clusterconfig"
	"clusterconf/membership"
	"clusterconf/roleregistry"
	"clusterconf/sharding"
)

func testDoc(masterUUID, backupUUID string, failover bool) clusterconfig.Doc {
	return clusterconfig.Doc{
		"topology": map[string]any{
			"failover": failover,
			"servers": map[string]any{
				masterUUID: map[string]any{"uri": "node1:3301"},
				backupUUID: map[string]any{"uri": "node2:3301"},
			},
			"replicasets": map[string]any{
				"rs-1": map[string]any{
					"master": []any{masterUUID, backupUUID},
					"roles":  []any{"vshard-storage", "storage"},
				},
			},
		},
		"vshard": map[string]any{
			"bucket_count": 1000,
			"bootstrapped": true,
		},
	}
}

type recordingRole struct {
	roleregistry.NoopRole
	initCalls  []bool
	applyCalls []bool
	stopCalls  []bool
}

func (r *recordingRole) Init(isMaster bool) error {
	r.initCalls = append(r.initCalls, isMaster)
	return nil
}

func (r *recordingRole) ApplyConfig(_ map[string]any, isMaster bool) error {
	r.applyCalls = append(r.applyCalls, isMaster)
	return nil
}

func (r *recordingRole) Stop(isMaster bool) error {
	r.stopCalls = append(r.stopCalls, isMaster)
	return nil
}

type failingReplicator struct{ err error }

func (f *failingReplicator) SetReplicationConfig(string, []string) error { return f.err }

type noopFailover struct{ running bool }

func (n *noopFailover) Start(context.Context) { n.running = true }
func (n *noopFailover) Stop()                 { n.running = false }
func (n *noopFailover) Running() bool         { return n.running }

func newTestApplier(t *testing.T, myUUID string) (*Applier, *roleregistry.Registry) {
	t.Helper()
	logger := zap.NewNop()
	store := clusterconfig.NewStore(t.TempDir(), logger)
	registry := roleregistry.New(logger)
	members := membership.New("node1:3301", myUUID, logger)
	a := New(myUUID, store, registry, members, NewLoggingReplicator(logger), sharding.NewStorage(), sharding.NewRouter(), logger)
	return a, registry
}

func TestApplyRunsRoleInitApplyOnFirstEnable(t *testing.T) {
	a, registry := newTestApplier(t, "master-uuid")
	role := &recordingRole{}
	if err := registry.Register("storage", role); err != nil {
		t.Fatalf("register role: %v", err)
	}

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(role.initCalls) != 1 || !role.initCalls[0] {
		t.Errorf("expected one Init(true) call, got %v", role.initCalls)
	}
	if len(role.applyCalls) != 1 || !role.applyCalls[0] {
		t.Errorf("expected one ApplyConfig(true) call, got %v", role.applyCalls)
	}
}

func TestApplySkipsInitOnSecondApply(t *testing.T) {
	a, registry := newTestApplier(t, "master-uuid")
	role := &recordingRole{}
	_ = registry.Register("storage", role)

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if len(role.initCalls) != 1 {
		t.Errorf("expected Init called exactly once, got %d calls", len(role.initCalls))
	}
	if len(role.applyCalls) != 2 {
		t.Errorf("expected ApplyConfig called twice, got %d calls", len(role.applyCalls))
	}
}

func TestApplyStopsRoleNoLongerEnabled(t *testing.T) {
	a, registry := newTestApplier(t, "master-uuid")
	role := &recordingRole{}
	_ = registry.Register("storage", role)

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	empty := testDoc("master-uuid", "backup-uuid", false)
	empty["topology"].(map[string]any)["replicasets"] = map[string]any{
		"rs-1": map[string]any{
			"master": []any{"master-uuid", "backup-uuid"},
			"roles":  []any{},
		},
	}
	if err := a.Apply(context.Background(), empty); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if len(role.stopCalls) != 1 {
		t.Errorf("expected Stop called once, got %d calls", len(role.stopCalls))
	}
	if _, ok := registry.Service("storage"); ok {
		t.Error("expected service to be unregistered after Stop")
	}
}

func TestApplyIsMasterReflectsPriorityAndLiveness(t *testing.T) {
	a, _ := newTestApplier(t, "backup-uuid")
	a.Membership().MarkDead("node1:3301")

	doc := testDoc("master-uuid", "backup-uuid", false)
	role := &recordingRole{}
	_ = a.Registry().Register("storage", role)

	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(role.initCalls) != 1 {
		t.Fatalf("expected one init call, got %d", len(role.initCalls))
	}
	if !role.initCalls[0] {
		t.Error("expected this instance to take over as master once the preferred master is dead")
	}
}

func TestApplyPropagatesReplicationFailure(t *testing.T) {
	a, registry := newTestApplier(t, "master-uuid")
	a.replicator = &failingReplicator{err: errors.New("replication backend unreachable")}
	role := &recordingRole{}
	_ = registry.Register("storage", role)
	fc := &noopFailover{}
	a.SetFailoverController(fc)

	doc := testDoc("master-uuid", "backup-uuid", true)
	if err := a.Apply(context.Background(), doc); err == nil {
		t.Fatal("expected apply to fail when replication fails")
	}

	if len(role.initCalls) != 1 || len(role.applyCalls) != 1 {
		t.Errorf("expected role init/apply to still run after a replication failure, got init=%d apply=%d", len(role.initCalls), len(role.applyCalls))
	}
	if !fc.Running() {
		t.Error("expected the failover worker to still be started after a replication failure")
	}
}

func TestApplyStartsAndStopsFailoverWorker(t *testing.T) {
	a, _ := newTestApplier(t, "master-uuid")
	fc := &noopFailover{}
	a.SetFailoverController(fc)

	docWithFailover := testDoc("master-uuid", "backup-uuid", true)
	if err := a.Apply(context.Background(), docWithFailover); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !fc.Running() {
		t.Error("expected failover worker to be running after topology.failover=true")
	}

	docWithoutFailover := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), docWithoutFailover); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fc.Running() {
		t.Error("expected failover worker to be stopped after topology.failover=false")
	}
}

func TestApplyRegistersBuiltinShardingService(t *testing.T) {
	a, _ := newTestApplier(t, "master-uuid")

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := a.Registry().Service(roleregistry.VshardStorage); !ok {
		t.Error("expected vshard-storage service to be registered after apply")
	}
	if _, ok := a.Registry().Service(roleregistry.VshardRouter); ok {
		t.Error("expected vshard-router to stay unregistered while not enabled")
	}

	empty := testDoc("master-uuid", "backup-uuid", false)
	empty["topology"].(map[string]any)["replicasets"] = map[string]any{
		"rs-1": map[string]any{
			"master": []any{"master-uuid", "backup-uuid"},
			"roles":  []any{},
		},
	}
	if err := a.Apply(context.Background(), empty); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if _, ok := a.Registry().Service(roleregistry.VshardStorage); ok {
		t.Error("expected vshard-storage service to be unregistered once disabled")
	}
}

func TestApplyKeepsFailoverWorkerOffWithoutVshardRole(t *testing.T) {
	a, _ := newTestApplier(t, "master-uuid")
	fc := &noopFailover{}
	a.SetFailoverController(fc)

	doc := testDoc("master-uuid", "backup-uuid", true)
	doc["topology"].(map[string]any)["replicasets"] = map[string]any{
		"rs-1": map[string]any{
			"master": []any{"master-uuid", "backup-uuid"},
			"roles":  []any{"storage"}, // no vshard role anywhere
		},
	}
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if fc.Running() {
		t.Error("failover worker must stay off when no vshard role is enabled, even with topology.failover=true")
	}
}

func TestApplyPublishesReadyAndErrorPayloads(t *testing.T) {
	a, registry := newTestApplier(t, "master-uuid")
	role := &recordingRole{}
	_ = registry.Register("storage", role)

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if self := a.Membership().Myself(); !self.Payload.Ready || self.Payload.Error != "" {
		t.Fatalf("expected a ready payload after a clean apply, got %+v", self.Payload)
	}

	a.replicator = &failingReplicator{err: errors.New("replication backend unreachable")}
	if err := a.Apply(context.Background(), doc); err == nil {
		t.Fatal("expected apply to fail when replication fails")
	}
	if self := a.Membership().Myself(); self.Payload.Ready || self.Payload.Error == "" {
		t.Fatalf("expected an error payload after a failed apply, got %+v", self.Payload)
	}
}

func TestApplyFailsFastOnStoppedWorker(t *testing.T) {
	a, _ := newTestApplier(t, "master-uuid")
	a.Shutdown()

	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err == nil {
		t.Fatal("expected apply to fail after the applier worker was shut down")
	}
}

func TestActiveDocIsReadOnlyAfterApply(t *testing.T) {
	a, _ := newTestApplier(t, "master-uuid")
	doc := testDoc("master-uuid", "backup-uuid", false)
	if err := a.Apply(context.Background(), doc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	view := a.ActiveDoc()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected Set on a Frozen view to panic")
		}
	}()
	view.Set("topology", nil)
}
