package roleregistry

import (
	"testing"

	"go.uber.org/zap"

	"clusterconf/clustererr"
)

type stubRole struct {
	NoopRole
	validateErr error
	applyCalls  int
}

func (s *stubRole) ValidateConfig(_, _ map[string]any) error   { return s.validateErr }
func (s *stubRole) ApplyConfig(_ map[string]any, _ bool) error { s.applyCalls++; return nil }

type legacyRole struct {
	NoopRole
	validated bool
}

func (l *legacyRole) Validate(_ map[string]any) error { l.validated = true; return nil }

func TestRegisterDuplicateFails(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Register("myrole", &stubRole{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register("myrole", &stubRole{})
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if kind, ok := clustererr.KindOf(err); !ok || kind != clustererr.RegisterRole {
		t.Fatalf("expected RegisterRole kind, got %v", err)
	}
}

func TestOrderedPreservesRegistrationOrder(t *testing.T) {
	r := New(zap.NewNop())
	r.Register("third", &stubRole{})
	r.Register("first", &stubRole{})
	r.Register("second", &stubRole{})

	got := r.Ordered()
	want := []string{"third", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestValidateAllStopsAtFirstFailure(t *testing.T) {
	r := New(zap.NewNop())
	ok1 := &stubRole{}
	bad := &stubRole{validateErr: clustererr.New(clustererr.ConfigValidate, "no")}
	ok2 := &stubRole{}
	r.Register("ok1", ok1)
	r.Register("bad", bad)
	r.Register("ok2", ok2)

	err := r.ValidateAll(map[string]any{}, nil)
	if err == nil {
		t.Fatal("expected validation failure to propagate")
	}
}

func TestValidateAllDispatchesLegacyHook(t *testing.T) {
	r := New(zap.NewNop())
	legacy := &legacyRole{}
	r.Register("legacy", legacy)

	if err := r.ValidateAll(map[string]any{}, nil); err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	if !legacy.validated {
		t.Fatal("expected legacy Validate hook to be called")
	}
}

func TestServiceRegistryRoundTrip(t *testing.T) {
	r := New(zap.NewNop())
	r.RegisterService("myrole", "handler-instance")

	got, ok := r.Service("myrole")
	if !ok || got != "handler-instance" {
		t.Fatalf("expected handler-instance, got %v, %v", got, ok)
	}

	r.UnregisterService("myrole")
	if _, ok := r.Service("myrole"); ok {
		t.Fatal("expected service to be gone after unregister")
	}
}

func TestGetKnownRolesIncludesBuiltins(t *testing.T) {
	r := New(zap.NewNop())
	known := r.GetKnownRoles()

	found := map[string]bool{}
	for _, k := range known {
		found[k] = true
	}
	if !found[VshardStorage] || !found[VshardRouter] {
		t.Fatalf("expected built-in vshard roles in known set, got %v", known)
	}
}
