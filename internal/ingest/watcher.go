package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/order-history/internal/domain"
)

// DefaultPollInterval is how often the watcher fingerprints the ORDER directory
const DefaultPollInterval = 30 * time.Second

// Rebuilder runs one full ingestion pass
type Rebuilder interface {
	Run(ctx context.Context) (domain.Counts, error)
}

// Watcher re-ingests the ORDER directory whenever its fingerprint changes
type Watcher struct {
	orderDir  string
	interval  time.Duration
	rebuilder Rebuilder
	logger    *slog.Logger

	running atomic.Bool

	mu   sync.Mutex
	last *Fingerprint
}

// NewWatcher creates a watcher. A non-positive interval uses DefaultPollInterval.
func NewWatcher(orderDir string, interval time.Duration, rebuilder Rebuilder, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		orderDir:  orderDir,
		interval:  interval,
		rebuilder: rebuilder,
		logger:    logger,
	}
}

// Check fingerprints the directory and rebuilds when it differs from the last
// successful rebuild. It reports whether a rebuild ran successfully. A call
// made while another rebuild is in flight returns immediately.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("ingest already running, skipping check")
		return false, nil
	}
	defer w.running.Store(false)

	fp, err := TakeFingerprint(w.orderDir)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := w.last != nil && *w.last == fp
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	start := time.Now()
	counts, err := w.rebuilder.Run(ctx)
	if err != nil {
		// the previous fingerprint stays so the next check retries
		return false, err
	}

	w.mu.Lock()
	w.last = &fp
	w.mu.Unlock()

	w.logger.Info("rebuilt history",
		"steps", counts.Steps,
		"runs", counts.Runs,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return true, nil
}

func (w *Watcher) tick(ctx context.Context) {
	if _, err := w.Check(ctx); err != nil {
		w.logger.Error("ingest check failed", "err", err)
	}
}

// Run checks once immediately and then every interval until ctx is done.
// Ticks that fire during a rebuild are skipped.
func (w *Watcher) Run(ctx context.Context) error {
	w.tick(ctx)

	c := cron.New(
		cron.WithLogger(cronLogger{w.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{w.logger})),
	)
	c.Schedule(cron.Every(w.interval), cron.FuncJob(func() { w.tick(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's own logging through slog
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
