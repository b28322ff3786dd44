package snapshot

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/lifecycle"
)

const snapshotsDirName = "snapshots"

// NestedCapture is a dependent secondary structure's contribution to a
// snapshot: its files are linked under SubDir and listed in the parent
// manifest with SubDir-relative paths, so a nested entry's path always
// ends with the file name it mirrors.
type NestedCapture struct {
	SubDir string
	Files  []string // absolute paths in the secondary structure's data dir
}

// Manager creates and enumerates named point-in-time copies of a table's
// visible segment set. Copies are hard links: deleting a snapshot never
// touches the canonical files, and a compacted-away segment stays on disk
// for as long as a snapshot still links it.
type Manager struct {
	dir      string // the table's data directory
	table    string
	schemaID string
	tracker  *lifecycle.Tracker
	logger   *slog.Logger
}

func NewManager(dir, table, schemaID string, tracker *lifecycle.Tracker, logger *slog.Logger) *Manager {
	return &Manager{
		dir:      dir,
		table:    table,
		schemaID: schemaID,
		tracker:  tracker,
		logger:   logger,
	}
}

// Dir is the root under which every snapshot of this table lives.
func (m *Manager) Dir() string {
	return filepath.Join(m.dir, snapshotsDirName)
}

// Create captures the current visible segment set under snapshots/{name}.
// Fails with ErrDuplicateSnapshot if the name is taken. The set is pinned
// by reference for the duration, so a concurrent compaction commit cannot
// delete a segment out from under the link step.
func (m *Manager) Create(name string, ephemeral bool, nested []NestedCapture) (*TableSnapshot, error) {
	if name == "" {
		return nil, fmt.Errorf("tablestore: empty snapshot name: %w", dberrors.ErrDuplicateSnapshot)
	}

	snapDir := filepath.Join(m.Dir(), name)
	if _, err := os.Stat(snapDir); err == nil {
		return nil, fmt.Errorf("%w: %q", dberrors.ErrDuplicateSnapshot, name)
	}

	pinned := m.tracker.PinVisible()
	defer lifecycle.ReleasePinned(pinned)

	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		return nil, dberrors.NewStorageIO("mkdir", snapDir, err)
	}

	manifest := Manifest{
		SchemaIdentifier: m.schemaID,
		CreatedAt:        time.Now().UTC(),
		Ephemeral:        ephemeral,
	}

	for _, r := range pinned {
		for _, src := range r.Descriptor().Paths() {
			rel := filepath.Base(src)
			if err := linkOrCopy(src, filepath.Join(snapDir, rel)); err != nil {
				os.RemoveAll(snapDir)
				return nil, err
			}
			manifest.Files = append(manifest.Files, rel)
		}
	}

	for _, capture := range nested {
		subDir := filepath.Join(snapDir, capture.SubDir)
		if err := os.MkdirAll(subDir, 0o750); err != nil {
			os.RemoveAll(snapDir)
			return nil, dberrors.NewStorageIO("mkdir", subDir, err)
		}
		for _, src := range capture.Files {
			rel := filepath.Join(capture.SubDir, filepath.Base(src))
			if err := linkOrCopy(src, filepath.Join(snapDir, rel)); err != nil {
				os.RemoveAll(snapDir)
				return nil, err
			}
			manifest.Files = append(manifest.Files, rel)
		}
	}

	if err := manifest.write(filepath.Join(snapDir, manifestFileName)); err != nil {
		os.RemoveAll(snapDir)
		return nil, err
	}

	m.logger.Info("snapshot created",
		"table", m.table, "name", name, "ephemeral", ephemeral, "files", len(manifest.Files))
	return &TableSnapshot{Name: name, Dir: snapDir, Manifest: manifest}, nil
}

// List enumerates snapshot directories present on disk.
func (m *Manager) List() (map[string]*TableSnapshot, error) {
	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*TableSnapshot{}, nil
		}
		return nil, dberrors.NewStorageIO("readdir", m.Dir(), err)
	}

	out := make(map[string]*TableSnapshot, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snapDir := filepath.Join(m.Dir(), entry.Name())
		manifest, err := readManifest(filepath.Join(snapDir, manifestFileName))
		if err != nil {
			m.logger.Warn("skipping snapshot with unreadable manifest",
				"table", m.table, "name", entry.Name(), "error", err)
			continue
		}
		out[entry.Name()] = &TableSnapshot{Name: entry.Name(), Dir: snapDir, Manifest: manifest}
	}
	return out, nil
}

// Clear deletes one snapshot by name, or every snapshot when name is
// empty. The linked segment files themselves are unaffected.
func (m *Manager) Clear(name string) error {
	if name != "" {
		return removeTree(filepath.Join(m.Dir(), name))
	}

	snapshots, err := m.List()
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		if err := removeTree(s.Dir); err != nil {
			return err
		}
	}
	return nil
}

// ClearEphemeral deletes only snapshots created as ephemeral. Run at
// startup to recover from a crash that left internally-owned snapshots
// behind.
func (m *Manager) ClearEphemeral() error {
	snapshots, err := m.List()
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		if !s.Manifest.Ephemeral {
			continue
		}
		if err := removeTree(s.Dir); err != nil {
			return err
		}
		m.logger.Info("cleared ephemeral snapshot", "table", m.table, "name", s.Name)
	}
	return nil
}

func removeTree(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return dberrors.NewStorageIO("remove", dir, err)
	}
	return nil
}

// linkOrCopy hard-links src to dst, falling back to a byte copy when the
// filesystem refuses links (cross-device snapshots directories).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return dberrors.NewStorageIO("open", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return dberrors.NewStorageIO("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return dberrors.NewStorageIO("copy", dst, err)
	}
	return out.Close()
}
