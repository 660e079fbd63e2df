package clusterconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"clusterconf/clustererr"
)

const (
	activeFileName  = "config.yml"
	prepareFileName = "config.prepare.yml"
	backupFileName  = "config.backup.yml"
)

// Store reads and writes the on-disk configuration document and its
// prepare/backup siblings, and resolves __file references. It holds no
// in-memory copy of the active config — the applier keeps that, and
// clusterview wraps it for readers — it is purely the filesystem boundary, the way config/loader.go in the
// teacher keeps Viper's file handling separate from the accessor layer.
type Store struct {
	workdir string
	logger  *zap.Logger
}

// NewStore creates a Store rooted at workdir. workdir must already exist.
func NewStore(workdir string, logger *zap.Logger) *Store {
	return &Store{workdir: workdir, logger: logger}
}

// Dir returns the workdir files are resolved relative to.
func (s *Store) Dir() string { return s.workdir }

// ActivePath, PreparePath and BackupPath return the well-known sibling
// filenames under the workdir (section 6 of the spec).
func (s *Store) ActivePath() string  { return filepath.Join(s.workdir, activeFileName) }
func (s *Store) PreparePath() string { return filepath.Join(s.workdir, prepareFileName) }
func (s *Store) BackupPath() string  { return filepath.Join(s.workdir, backupFileName) }

func joinRel(dir, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, rel)
}

// Load reads path, parses it as YAML, and inlines every __file reference
// relative to path's directory. It fails with ConfigLoad on a missing file,
// an empty file, a parse error, or an inlined-file read error.
func (s *Store) Load(path string) (Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "read %s", path)
	}
	if len(raw) == 0 {
		return nil, clustererr.New(clustererr.ConfigLoad, fmt.Sprintf("%s is empty", path))
	}

	var parsed any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "parse %s", path)
	}

	top, ok := AsMap(parsed)
	if !ok {
		return nil, clustererr.New(clustererr.ConfigLoad, fmt.Sprintf("%s does not contain a mapping at the top level", path))
	}

	dir := filepath.Dir(path)
	inlined, err := inlineFiles(top, dir, func(p string) (string, error) {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "inlining __file references in %s", path)
	}

	m, _ := AsMap(inlined)
	return Doc(m), nil
}

// Decode parses raw YAML bytes into a Doc without touching the filesystem
// (used by the peer RPC layer to decode request bodies that embed a
// document). It does not perform __file inlining — inlining only happens
// against a real file on disk.
func Decode(raw []byte) (Doc, error) {
	var parsed any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, clustererr.Wrapf(clustererr.ConfigLoad, err, "parse document")
	}
	m, ok := AsMap(parsed)
	if !ok {
		return nil, clustererr.New(clustererr.ConfigLoad, "document does not contain a mapping at the top level")
	}
	return Doc(m), nil
}

// Encode canonicalizes doc to YAML bytes with sorted map keys, so that
// Load(Encode(doc)) round-trips byte-for-byte for any doc without __file
// entries (invariant 6 in the spec).
func Encode(doc Doc) ([]byte, error) {
	return yaml.Marshal(map[string]any(doc))
}

// WriteExclusive atomically creates path and writes doc to it, failing if
// path already exists. This is the on-disk lock used by the prepare phase
// of 2PC: O_CREATE|O_EXCL.
func (s *Store) WriteExclusive(path string, doc Doc) error {
	raw, err := Encode(doc)
	if err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "encode %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return clustererr.Wrapf(clustererr.ConfigApply, err, "%s already exists (a 2PC round may already be in flight)", path)
		}
		return clustererr.Wrapf(clustererr.ConfigApply, err, "create %s", path)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(raw); err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "write %s", path)
	}
	return nil
}

// Promote moves preparePath into place as activePath, after best-effort
// hard-linking the current active file to backupPath. The rename is the
// atomic commit point; a failure there is the one that matters and is
// surfaced as ConfigApply.
func (s *Store) Promote(preparePath, activePath, backupPath string) error {
	if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove stale backup config before promote",
			zap.String("path", backupPath), zap.Error(err))
	}

	if _, err := os.Stat(activePath); err == nil {
		if err := os.Link(activePath, backupPath); err != nil {
			s.logger.Warn("failed to hard-link active config to backup, continuing without a fresh backup",
				zap.String("active", activePath), zap.String("backup", backupPath), zap.Error(err))
		}
	}

	if err := os.Rename(preparePath, activePath); err != nil {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "rename %s to %s", preparePath, activePath)
	}
	return nil
}

// Unlink removes the prepare file if present. It is idempotent: a missing
// file is not an error, matching abort_2pc's "always succeeds" contract.
func (s *Store) Unlink(preparePath string) error {
	if err := os.Remove(preparePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return clustererr.Wrapf(clustererr.ConfigApply, err, "unlink %s", preparePath)
	}
	return nil
}

// PrepareFileStat reports whether a prepare file currently exists under the
// store's workdir and, if so, its modification time — used by the
// maintenance sweep (§8 scenario S8) to flag a crashed 2PC round.
func (s *Store) PrepareFileStat() (exists bool, modTimeUnix int64, err error) {
	info, err := os.Stat(s.PreparePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.ModTime().Unix(), nil
}
