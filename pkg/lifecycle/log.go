package lifecycle

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"tablestore/pkg/dberrors"
)

// Transaction logs are the durable record scrub replays after a crash:
// staged file names first, then a terminal COMMIT or ABORT marker. A log
// with no terminal marker is treated as aborted.
const (
	recordAdd    = "ADD"
	recordRemove = "REMOVE"
	recordCommit = "COMMIT"
	recordAbort  = "ABORT"

	logSuffix = ".log"
)

func logFileName(table, txnID string) string {
	return fmt.Sprintf("%s-txn-%s%s", table, txnID, logSuffix)
}

// IsTxnLog reports whether name is a transaction log for the given table.
func IsTxnLog(name, table string) bool {
	return strings.HasPrefix(name, table+"-txn-") && strings.HasSuffix(name, logSuffix)
}

type txnLog struct {
	path string
	file *os.File
}

func createTxnLog(path string, added, removed []string) (*txnLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, dberrors.NewStorageIO("create", path, err)
	}

	l := &txnLog{path: path, file: file}
	for _, name := range added {
		if err := l.append(recordAdd + " " + name); err != nil {
			file.Close()
			return nil, err
		}
	}
	for _, name := range removed {
		if err := l.append(recordRemove + " " + name); err != nil {
			file.Close()
			return nil, err
		}
	}
	if err := l.sync(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *txnLog) append(line string) error {
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return dberrors.NewStorageIO("write", l.path, err)
	}
	return nil
}

func (l *txnLog) sync() error {
	if err := l.file.Sync(); err != nil {
		return dberrors.NewStorageIO("sync", l.path, err)
	}
	return nil
}

func (l *txnLog) markCommitted() error {
	if err := l.append(recordCommit); err != nil {
		return err
	}
	return l.sync()
}

func (l *txnLog) close() error {
	return l.file.Close()
}

func (l *txnLog) closeAndRemove() {
	l.file.Close()
	os.Remove(l.path)
}

// ParsedLog is one transaction log read back during scrub.
type ParsedLog struct {
	Path      string
	Added     []string
	Removed   []string
	Committed bool
	Aborted   bool
}

// ParseLog reads a transaction log from disk. Unknown or torn trailing
// lines are ignored; only a clean terminal marker counts.
func ParseLog(path string) (ParsedLog, error) {
	file, err := os.Open(path)
	if err != nil {
		return ParsedLog{}, dberrors.NewStorageIO("open", path, err)
	}
	defer file.Close()

	parsed := ParsedLog{Path: path}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == recordCommit:
			parsed.Committed = true
		case line == recordAbort:
			parsed.Aborted = true
		case strings.HasPrefix(line, recordAdd+" "):
			parsed.Added = append(parsed.Added, strings.TrimPrefix(line, recordAdd+" "))
		case strings.HasPrefix(line, recordRemove+" "):
			parsed.Removed = append(parsed.Removed, strings.TrimPrefix(line, recordRemove+" "))
		}
	}
	if err := scanner.Err(); err != nil {
		return ParsedLog{}, dberrors.NewStorageIO("read", path, err)
	}
	return parsed, nil
}
