package scrub

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"tablestore/pkg/dberrors"
	"tablestore/pkg/lifecycle"
	"tablestore/pkg/segment"
)

// Report summarizes one scrub pass. A second pass over an unchanged
// directory produces an empty report.
type Report struct {
	RemovedFiles []string
	RemovedLogs  []string
}

// DataDirectories reconciles a table's data directory against its
// transaction logs, removing files left behind by crashed flushes,
// compactions or commits:
//
//   - logs without a terminal COMMIT marker are treated as aborted and
//     their staged additions deleted;
//   - committed logs may still name removed files a crash left on disk;
//   - segments missing components, or with unreadable filter/statistics,
//     are deleted wholesale.
func DataDirectories(dir, table string, logger *slog.Logger) (Report, error) {
	var report Report

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, dberrors.NewStorageIO("readdir", dir, err)
	}

	// pass 1: transaction logs
	for _, entry := range entries {
		if entry.IsDir() || !lifecycle.IsTxnLog(entry.Name(), table) {
			continue
		}
		logPath := filepath.Join(dir, entry.Name())
		parsed, err := lifecycle.ParseLog(logPath)
		if err != nil {
			return report, err
		}

		var doomed []string
		if parsed.Committed {
			doomed = parsed.Removed
		} else {
			doomed = parsed.Added
		}
		for _, name := range doomed {
			path := filepath.Join(dir, name)
			if removeIfPresent(path) {
				report.RemovedFiles = append(report.RemovedFiles, path)
				logger.Info("scrub removed file from unfinished transaction",
					"table", table, "file", name, "committed", parsed.Committed)
			}
		}
		if err := os.Remove(logPath); err == nil {
			report.RemovedLogs = append(report.RemovedLogs, logPath)
		}
	}

	// pass 2: incomplete or corrupt segments
	entries, err = os.ReadDir(dir)
	if err != nil {
		return report, dberrors.NewStorageIO("readdir", dir, err)
	}
	found := make(map[uint64]map[segment.Component]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		desc, comp, ok := segment.ParseFileName(dir, entry.Name())
		if !ok || desc.Table != table {
			continue
		}
		if found[desc.Generation] == nil {
			found[desc.Generation] = make(map[segment.Component]bool)
		}
		found[desc.Generation][comp] = true
	}

	for gen, comps := range found {
		desc := segment.Descriptor{Dir: dir, Table: table, Generation: gen}
		broken := len(comps) != len(segment.Components)
		if !broken {
			r, err := segment.Open(desc)
			switch {
			case err == nil:
				r.Retire(func() {})
			case errors.Is(err, dberrors.ErrCorruptSegment):
				broken = true
			default:
				// a transient open failure is no proof of corruption;
				// surface it rather than delete or bless the segment
				return report, fmt.Errorf("failed to probe segment %s: %w", desc, err)
			}
		}
		if !broken {
			continue
		}
		for _, path := range desc.Paths() {
			if removeIfPresent(path) {
				report.RemovedFiles = append(report.RemovedFiles, path)
			}
		}
		logger.Warn("scrub removed incomplete segment", "table", table, "generation", gen)
	}

	return report, nil
}

func removeIfPresent(path string) bool {
	return os.Remove(path) == nil
}
