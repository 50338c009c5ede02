package syncer

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/portablesession/psp/storage"
)

// ChangeDetector reads a version token from the local database. Two calls
// returning different values mean the session index changed. int64 maps
// naturally to PRAGMA data_version or a MAX(updated_at) query.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// PragmaDataVersion is the default detector. SQLite bumps data_version on
// every committed write from another connection, so it catches writes made
// through any handle on the same file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxUpdatedAt detects changes by the newest session timestamp. Unlike
// PragmaDataVersion it also sees writes made through the same connection.
func MaxUpdatedAt(ctx context.Context, db *sql.DB) (int64, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM sessions").Scan(&v)
	return v.Int64, err
}

// AutoOptions tunes the background sync loop.
type AutoOptions struct {
	// Interval is the polling frequency. Default: 5s.
	Interval time.Duration
	// Debounce is the quiet period after a change before a run fires.
	// Further changes during the window reset the timer. 0 fires
	// immediately. Default: 0.
	Debounce time.Duration
	// Detector overrides the default PragmaDataVersion detector.
	Detector ChangeDetector
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *AutoOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Auto runs the engine whenever the local session index changes. It polls
// the database for a version token instead of hooking writes, so it also
// reacts to sessions written by other processes sharing the file.
type Auto struct {
	engine *Engine
	remote storage.Backend
	db     *sql.DB
	opts   AutoOptions

	version atomic.Int64
	runs    atomic.Int64
}

// NewAuto creates the background loop. Call Run to start it.
func NewAuto(engine *Engine, remote storage.Backend, db *sql.DB, opts AutoOptions) *Auto {
	opts.defaults()
	return &Auto{engine: engine, remote: remote, db: db, opts: opts}
}

// Runs returns how many sync runs have completed.
func (a *Auto) Runs() int64 { return a.runs.Load() }

// Run blocks until ctx is cancelled, polling at opts.Interval and firing
// a sync run after each detected change. A failed run does not advance the
// version token, so it is retried on the next poll cycle.
func (a *Auto) Run(ctx context.Context) {
	log := a.opts.Logger

	if v, err := a.opts.Detector(ctx, a.db); err != nil {
		log.Warn("syncer: initial version check failed", "error", err)
	} else {
		a.version.Store(v)
	}

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	log.Info("syncer: auto sync started", "interval", a.opts.Interval, "debounce", a.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			log.Info("syncer: auto sync stopped")
			return

		case <-ticker.C:
			cur, err := a.opts.Detector(ctx, a.db)
			if err != nil {
				log.Warn("syncer: version check failed", "error", err)
				continue
			}
			if cur == a.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if a.opts.Debounce <= 0 {
				a.fire(ctx, pending)
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(a.opts.Debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				a.fire(ctx, pending)
				pending = -1
			}
		}
	}
}

func (a *Auto) fire(ctx context.Context, ver int64) {
	log := a.opts.Logger
	start := time.Now()
	if _, err := a.engine.Sync(ctx, a.remote); err != nil {
		log.Warn("syncer: auto run failed", "version", ver, "error", err)
		return
	}
	a.version.Store(ver)
	// A run's own downloads bump the token; reseed so they do not count
	// as a fresh change.
	if cur, err := a.opts.Detector(ctx, a.db); err == nil {
		a.version.Store(cur)
	}
	a.runs.Add(1)
	log.Info("syncer: auto run complete", "version", ver, "elapsed", time.Since(start))
}
