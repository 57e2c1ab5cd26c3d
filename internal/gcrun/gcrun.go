// Package gcrun sweeps expired state out of the private root: token
// records, ledger markers, retained uploads, and throttle files. Runs are
// serialized by an exclusive run lock and bounded by a scan budget; they
// never block submission processing, and every deletion decision is
// independently verifiable from file metadata at visit time, so a sweep is
// idempotent and safe against concurrent traffic.
package gcrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/formd/internal/token"
	"pkt.systems/pslog"
)

// ErrLocked reports that another run holds the run lock. It is a skip, not
// an operational error.
var ErrLocked = errors.New("gc: another run holds the lock")

// lockFileName lives directly under the private root.
const lockFileName = "gc.lock"

// staleLockAge is how old a run lock must be before it is considered
// abandoned and stolen. A budget-bounded sweep cannot legitimately run
// this long.
const staleLockAge = time.Hour

// Options tunes one run.
type Options struct {
	// DryRun scans and counts without deleting anything.
	DryRun bool
	// BatchLimit caps how many entries are scanned across all categories.
	BatchLimit int
}

// CategoryStats aggregates per-category sweep counters.
type CategoryStats struct {
	Scanned        int
	Candidates     int
	Deleted        int
	CandidateBytes int64
	DeletedBytes   int64
}

// Summary is the report of one run; it is returned, never persisted.
type Summary struct {
	OK             bool
	DryRun         bool
	Scanned        int
	Candidates     int
	Deleted        int
	CandidateBytes int64
	DeletedBytes   int64
	ReachedLimit   bool
	ByType         map[string]CategoryStats
}

// Config captures the sweep predicates' inputs and dependencies.
type Config struct {
	Private *privroot.Store
	// TokenTTL mirrors the mint-time TTL; unreadable token records fall
	// back to mtime + TokenTTL.
	TokenTTL time.Duration
	// LedgerGrace extends marker life past the token TTL so a slow first
	// request cannot be un-deduped before its token would have expired.
	LedgerGrace time.Duration
	// UploadRetention bounds stored upload life; negative means forever
	// and skips the category entirely.
	UploadRetention time.Duration
	// ThrottleStale collects throttle files older than this fixed window,
	// independent of configured TTLs elsewhere.
	ThrottleStale time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
}

// Runner executes GC sweeps.
type Runner struct {
	priv            *privroot.Store
	tokenTTL        time.Duration
	ledgerGrace     time.Duration
	uploadRetention time.Duration
	throttleStale   time.Duration
	clock           clock.Clock
	logger          pslog.Logger
	metrics         *gcMetrics
}

// New constructs a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Private == nil {
		return nil, fmt.Errorf("gc: private root required")
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("gc: token ttl must be > 0")
	}
	if cfg.LedgerGrace <= 0 {
		cfg.LedgerGrace = time.Hour
	}
	if cfg.ThrottleStale <= 0 {
		cfg.ThrottleStale = 72 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "gc.runner")
	return &Runner{
		priv:            cfg.Private,
		tokenTTL:        cfg.TokenTTL,
		ledgerGrace:     cfg.LedgerGrace,
		uploadRetention: cfg.UploadRetention,
		throttleStale:   cfg.ThrottleStale,
		clock:           cfg.Clock,
		logger:          logger,
		metrics:         newGCMetrics(logger),
	}, nil
}

type scanBudget struct {
	limit   int
	scanned int
}

func (b *scanBudget) allow() bool {
	return b.limit <= 0 || b.scanned < b.limit
}

func (b *scanBudget) consume() {
	b.scanned++
}

// Run acquires the run lock and sweeps the four category trees. It returns
// ErrLocked when another run holds the lock.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	runID := xid.New().String()
	start := r.clock.Now()
	summary := Summary{DryRun: opts.DryRun, ByType: make(map[string]CategoryStats, len(privroot.Categories))}

	release, err := r.acquireLock(runID)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			r.logger.Info("gc.run.locked", "run_id", runID)
			r.metrics.recordRun(ctx, "locked")
		}
		return summary, err
	}
	defer release()

	r.logger.Debug("gc.run.begin", "run_id", runID, "dry_run", opts.DryRun, "batch_limit", opts.BatchLimit)

	budget := &scanBudget{limit: opts.BatchLimit}
	now := r.clock.Now()

	for _, category := range privroot.Categories {
		if category == privroot.CategoryUploads && r.uploadRetention < 0 {
			continue
		}
		if !budget.allow() {
			summary.ReachedLimit = true
			break
		}
		stats, reached, err := r.sweepCategory(ctx, category, now, budget, opts.DryRun)
		if err != nil {
			r.metrics.recordRun(ctx, "error")
			return summary, err
		}
		summary.ByType[category] = stats
		summary.Scanned += stats.Scanned
		summary.Candidates += stats.Candidates
		summary.CandidateBytes += stats.CandidateBytes
		summary.Deleted += stats.Deleted
		summary.DeletedBytes += stats.DeletedBytes
		if reached {
			summary.ReachedLimit = true
			break
		}
	}

	summary.OK = true
	r.metrics.recordRun(ctx, "complete")
	r.logger.Info("gc.run.summary",
		"run_id", runID,
		"dry_run", summary.DryRun,
		"scanned", summary.Scanned,
		"candidates", summary.Candidates,
		"candidate_bytes", summary.CandidateBytes,
		"deleted", summary.Deleted,
		"deleted_bytes", summary.DeletedBytes,
		"reached_limit", summary.ReachedLimit,
		"elapsed", r.clock.Now().Sub(start),
	)
	return summary, nil
}

func (r *Runner) sweepCategory(ctx context.Context, category string, now time.Time, budget *scanBudget, dryRun bool) (CategoryStats, bool, error) {
	var stats CategoryStats
	reached := false

	root, err := r.priv.Dir(category)
	if err != nil {
		return stats, false, err
	}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries removed underneath us by concurrent traffic
			// or another sweep are not failures.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !budget.allow() {
			reached = true
			return fs.SkipAll
		}
		budget.consume()
		stats.Scanned++

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !r.expired(category, path, info, now) {
			return nil
		}
		stats.Candidates++
		stats.CandidateBytes += info.Size()
		if dryRun {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			r.logger.Warn("gc.sweep.remove_failed", "category", category, "error", err)
			return nil
		}
		stats.Deleted++
		stats.DeletedBytes += info.Size()
		r.metrics.recordDeleted(ctx, category)
		return nil
	})
	if walkErr != nil {
		return stats, reached, fmt.Errorf("gc: sweep %s: %w", category, walkErr)
	}
	if !dryRun {
		r.pruneEmptyDirs(root)
	}
	return stats, reached, nil
}

// expired applies the category-specific predicate using only what the file
// itself can prove at visit time.
func (r *Runner) expired(category, path string, info fs.FileInfo, now time.Time) bool {
	switch category {
	case privroot.CategoryTokens:
		data, err := os.ReadFile(path)
		if err == nil {
			if rec, perr := token.ParseRecord(data); perr == nil {
				return rec.Expires <= now.Unix()
			}
		}
		// Unreadable records cannot outlive the TTL they were minted with.
		return !info.ModTime().Add(r.tokenTTL).After(now)
	case privroot.CategoryLedger:
		return !info.ModTime().Add(r.tokenTTL + r.ledgerGrace).After(now)
	case privroot.CategoryUploads:
		return !info.ModTime().Add(r.uploadRetention).After(now)
	case privroot.CategoryThrottle:
		return !info.ModTime().Add(r.throttleStale).After(now)
	default:
		return false
	}
}

// pruneEmptyDirs removes empty shard directories beneath root. Best effort;
// a directory that gained an entry since listing simply fails to remove.
func (r *Runner) pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so emptied parents become removable in the same pass.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
}

func (r *Runner) acquireLock(runID string) (func(), error) {
	lockPath := filepath.Join(r.priv.Root(), lockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, privroot.FileMode)
		if err == nil {
			fmt.Fprintf(f, "%s pid=%d started=%s\n", runID, os.Getpid(), r.clock.Now().Format(time.RFC3339))
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("gc: create run lock: %w", err)
		}
		info, statErr := os.Stat(lockPath)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue
			}
			return nil, fmt.Errorf("gc: stat run lock: %w", statErr)
		}
		if r.clock.Now().Sub(info.ModTime()) < staleLockAge {
			return nil, ErrLocked
		}
		r.logger.Warn("gc.run.stale_lock_stolen", "age", r.clock.Now().Sub(info.ModTime()))
		if removeErr := os.Remove(lockPath); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, fmt.Errorf("gc: remove stale run lock: %w", removeErr)
		}
	}
	return nil, ErrLocked
}
