package livestream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"
)

// DefaultTailInterval is how often the events file is polled
const DefaultTailInterval = 500 * time.Millisecond

// Publisher receives decoded events
type Publisher interface {
	Publish(ev Event)
}

// FileWatcher tails an append-only events file by byte offset
type FileWatcher struct {
	path     string
	interval time.Duration
	pub      Publisher
	logger   *slog.Logger

	offset  int64
	pending []byte
}

// NewFileWatcher creates a watcher for path. A non-positive interval uses
// DefaultTailInterval.
func NewFileWatcher(path string, interval time.Duration, pub Publisher, logger *slog.Logger) *FileWatcher {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{path: path, interval: interval, pub: pub, logger: logger}
}

// Offset returns the byte offset up to which the file has been consumed
func (fw *FileWatcher) Offset() int64 {
	return fw.offset - int64(len(fw.pending))
}

// SeekEnd skips everything already in the file
func (fw *FileWatcher) SeekEnd() {
	fw.pending = nil
	info, err := os.Stat(fw.path)
	if err != nil {
		fw.offset = 0
		fw.logger.Info("waiting for events file", "path", fw.path)
		return
	}
	fw.offset = info.Size()
	fw.logger.Info("tailing events file", "path", fw.path, "offset", fw.offset)
}

// Poll publishes every complete line appended since the last poll and
// returns how many events were published. A missing file is not an error.
func (fw *FileWatcher) Poll() (int, error) {
	info, err := os.Stat(fw.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	size := info.Size()
	if size < fw.offset {
		fw.logger.Info("events file truncated, starting over", "path", fw.path, "size", size)
		fw.offset = 0
		fw.pending = nil
	}
	if size == fw.offset {
		return 0, nil
	}

	f, err := os.Open(fw.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(fw.offset, io.SeekStart); err != nil {
		return 0, err
	}
	chunk, err := io.ReadAll(io.LimitReader(f, size-fw.offset))
	if err != nil {
		return 0, err
	}
	fw.offset += int64(len(chunk))

	data := append(fw.pending, chunk...)
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		fw.pending = data
		return 0, nil
	}
	fw.pending = append([]byte(nil), data[last+1:]...)

	published := 0
	for _, line := range bytes.Split(data[:last], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			fw.logger.Warn("skipping malformed event line", "line", excerpt(line), "err", err)
			continue
		}
		fw.pub.Publish(ev)
		published++
	}
	return published, nil
}

// Run seeks to the end of the file and then polls until ctx is done
func (fw *FileWatcher) Run(ctx context.Context) error {
	fw.SeekEnd()

	ticker := time.NewTicker(fw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fw.Poll(); err != nil {
				fw.logger.Warn("polling events file", "path", fw.path, "err", err)
			}
		}
	}
}

func excerpt(b []byte) string {
	const limit = 100
	if len(b) <= limit {
		return string(b)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "..."
}
