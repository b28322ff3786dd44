package snapshot

import (
	"os"
	"path/filepath"
	"syscall"
)

// TableSnapshot is a value object for one on-disk snapshot.
type TableSnapshot struct {
	Name     string
	Dir      string
	Manifest Manifest
}

// Exists reports whether the snapshot directory is still on disk.
func (s *TableSnapshot) Exists() bool {
	info, err := os.Stat(s.Dir)
	return err == nil && info.IsDir()
}

// SizeOnDisk sums every file under the snapshot directory, manifest
// included.
func (s *TableSnapshot) SizeOnDisk() (int64, error) {
	var total int64
	err := filepath.Walk(s.Dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// TrueSize is the incremental cost of the snapshot: bytes in linked files
// no longer shared with any live segment. A file the table still links
// contributes zero; once compaction retires the canonical copy the
// snapshot's link is the last one and the file starts counting.
func (s *TableSnapshot) TrueSize() (int64, error) {
	var total int64
	for _, rel := range s.Manifest.Files {
		info, err := os.Stat(filepath.Join(s.Dir, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if nlink(info) <= 1 {
			total += info.Size()
		}
	}
	return total, nil
}

func nlink(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Nlink)
	}
	return 1
}
