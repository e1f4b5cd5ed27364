package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/order-history/internal/parser"
)

// Fingerprint is a cheap structural summary of an ORDER directory. Two equal
// fingerprints mean nothing worth re-ingesting has changed.
type Fingerprint struct {
	HistorySize    int64
	HistoryPRsSize int64
	LogCount       int
	LogTotalSize   int64
	HandoffCount   int
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// TakeFingerprint summarizes orderDir. Missing files and directories count as
// empty; only unexpected directory read errors are returned.
func TakeFingerprint(orderDir string) (Fingerprint, error) {
	fp := Fingerprint{
		HistorySize:    fileSize(filepath.Join(orderDir, parser.HistoryFile)),
		HistoryPRsSize: fileSize(filepath.Join(orderDir, parser.HistoryPRsFile)),
	}

	logs, err := readDir(filepath.Join(orderDir, "logs"))
	if err != nil {
		return Fingerprint{}, err
	}
	for _, entry := range logs {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		fp.LogCount++
		fp.LogTotalSize += info.Size()
	}

	handoffs, err := readDir(filepath.Join(orderDir, "handoffs"))
	if err != nil {
		return Fingerprint{}, err
	}
	for _, entry := range handoffs {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !entry.IsDir() && (ext == ".yml" || ext == ".yaml") {
			fp.HandoffCount++
		}
	}
	return fp, nil
}

func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}
