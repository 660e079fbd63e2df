package clusterconfig

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"clusterconf/clustererr"
)

func mustStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, zap.NewNop()), dir
}

func TestStoreLoadMissingFile(t *testing.T) {
	s, dir := mustStore(t)

	_, err := s.Load(filepath.Join(dir, "config.yml"))
	if err == nil {
		t.Fatal("expected error loading missing config")
	}
	if kind, ok := clustererr.KindOf(err); !ok || kind != clustererr.ConfigLoad {
		t.Fatalf("expected ConfigLoad, got %v (ok=%v)", kind, ok)
	}
}

func TestStoreLoadEmptyFile(t *testing.T) {
	s, dir := mustStore(t)
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load(path)
	if kind, ok := clustererr.KindOf(err); !ok || kind != clustererr.ConfigLoad {
		t.Fatalf("expected ConfigLoad for empty file, got %v (ok=%v)", kind, ok)
	}
}

func TestStoreFileInlining(t *testing.T) {
	s, dir := mustStore(t)

	secretPath := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(secretPath, []byte("hunter2"), 0o644); err != nil {
		t.Fatal(err)
	}

	yamlBody := "topology:\n  servers: {}\n  replicasets: {}\n  failover: false\nvshard:\n  bucket_count: 100\n  bootstrapped: false\nmyrole:\n  token:\n    __file: secret.txt\n"
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	role, ok := doc.Section("myrole")
	if !ok {
		t.Fatal("myrole section missing")
	}
	token, ok := role["token"].(string)
	if !ok || token != "hunter2" {
		t.Fatalf("expected inlined token %q, got %#v", "hunter2", role["token"])
	}
}

func TestStoreFileInliningMissingFile(t *testing.T) {
	s, dir := mustStore(t)

	yamlBody := "myrole:\n  token:\n    __file: does-not-exist.txt\n"
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load(path)
	if kind, ok := clustererr.KindOf(err); !ok || kind != clustererr.ConfigLoad {
		t.Fatalf("expected ConfigLoad, got %v (ok=%v)", kind, ok)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s, dir := mustStore(t)

	doc := Doc{
		"topology": map[string]any{
			"servers":     map[string]any{},
			"replicasets": map[string]any{},
			"failover":    false,
		},
		"vshard": map[string]any{
			"bucket_count": 100,
			"bootstrapped": false,
		},
	}

	path := filepath.Join(dir, "config.yml")
	if err := s.WriteExclusive(path, doc); err != nil {
		t.Fatalf("WriteExclusive: %v", err)
	}

	got, err := s.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	gotVshard, _ := got.Section("vshard")
	if gotVshard["bucket_count"] != 100 {
		t.Fatalf("expected bucket_count 100, got %#v", gotVshard["bucket_count"])
	}
}

func TestStoreWriteExclusiveRejectsExisting(t *testing.T) {
	s, dir := mustStore(t)
	path := filepath.Join(dir, "config.prepare.yml")

	if err := s.WriteExclusive(path, Doc{"a": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}

	err := s.WriteExclusive(path, Doc{"a": 2})
	if kind, ok := clustererr.KindOf(err); !ok || kind != clustererr.ConfigApply {
		t.Fatalf("expected ConfigApply on existing prepare file, got %v (ok=%v)", kind, ok)
	}
}

func TestStorePromoteCreatesBackupAndRenames(t *testing.T) {
	s, _ := mustStore(t)
	active := s.ActivePath()
	prepare := s.PreparePath()
	backup := s.BackupPath()

	if err := s.WriteExclusive(active, Doc{"v": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteExclusive(prepare, Doc{"v": 2}); err != nil {
		t.Fatal(err)
	}

	if err := s.Promote(prepare, active, backup); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if _, err := os.Stat(prepare); !os.IsNotExist(err) {
		t.Fatal("expected prepare file to be gone after promote")
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}

	got, err := s.Load(active)
	if err != nil {
		t.Fatal(err)
	}
	if got["v"] != 2 {
		t.Fatalf("expected promoted value 2, got %#v", got["v"])
	}
}

func TestStoreUnlinkIsIdempotent(t *testing.T) {
	s, dir := mustStore(t)
	prepare := filepath.Join(dir, "config.prepare.yml")

	if err := s.Unlink(prepare); err != nil {
		t.Fatalf("unlink of nonexistent file should be a no-op: %v", err)
	}

	if err := s.WriteExclusive(prepare, Doc{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlink(prepare); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := s.Unlink(prepare); err != nil {
		t.Fatalf("second unlink should still be a no-op: %v", err)
	}
}

func TestPrepareFileStat(t *testing.T) {
	s, _ := mustStore(t)

	exists, _, err := s.PrepareFileStat()
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected no prepare file yet")
	}

	if err := s.WriteExclusive(s.PreparePath(), Doc{"a": 1}); err != nil {
		t.Fatal(err)
	}

	exists, modTime, err := s.PrepareFileStat()
	if err != nil {
		t.Fatal(err)
	}
	if !exists || modTime == 0 {
		t.Fatalf("expected prepare file to be reported, got exists=%v modTime=%d", exists, modTime)
	}
}
