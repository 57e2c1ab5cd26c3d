// Package throttle maintains per-identity request counters on the
// filesystem and classifies each request as ok, soft, or hard. Tallies are
// coarse by design (one file per identity per time window, one appended byte
// per request); the goal is bounding abuse rate, not precision.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/pslog"
)

// State represents the throttle posture for one identity.
type State int

const (
	// StateOK means the identity is under the soft threshold.
	StateOK State = iota
	// StateSoft means the soft threshold was crossed; contributes one unit
	// to the spam soft-fail score.
	StateSoft
	// StateHard means the hard tier was reached; the request is rejected
	// with a retry hint and a cooldown marker pins the state.
	StateHard
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateSoft:
		return "soft"
	case StateHard:
		return "hard"
	default:
		return "unknown"
	}
}

// Decision reports the throttle outcome for one request.
type Decision struct {
	State      State
	RetryAfter time.Duration
}

// Config captures throttle thresholds and dependencies.
type Config struct {
	Private *privroot.Store
	// MaxPerWindow is the soft threshold: requests beyond it within one
	// window classify as soft.
	MaxPerWindow int
	// HardMultiplier scales MaxPerWindow into the hard threshold.
	HardMultiplier int
	// Window is the tally granularity.
	Window time.Duration
	// Cooldown pins the hard state once reached, independent of tallies.
	Cooldown time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Throttle classifies request rates per client identity.
type Throttle struct {
	priv           *privroot.Store
	maxPerWindow   int
	hardMultiplier int
	window         time.Duration
	cooldown       time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	metrics        *throttleMetrics
}

// New constructs a throttle over the private root.
func New(cfg Config) (*Throttle, error) {
	if cfg.Private == nil {
		return nil, fmt.Errorf("throttle: private root required")
	}
	if cfg.MaxPerWindow <= 0 {
		return nil, fmt.Errorf("throttle: max per window must be > 0")
	}
	if cfg.HardMultiplier <= 1 {
		cfg.HardMultiplier = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "throttle")
	return &Throttle{
		priv:           cfg.Private,
		maxPerWindow:   cfg.MaxPerWindow,
		hardMultiplier: cfg.HardMultiplier,
		window:         cfg.Window,
		cooldown:       cfg.Cooldown,
		clock:          cfg.Clock,
		logger:         logger,
		metrics:        newThrottleMetrics(logger),
	}, nil
}

// Check increments the rolling tally for identity and classifies the
// request. An unexpired cooldown marker is authoritative regardless of the
// current tally.
func (t *Throttle) Check(ctx context.Context, identity string) (Decision, error) {
	if identity == "" {
		return Decision{}, fmt.Errorf("throttle: identity required")
	}
	now := t.clock.Now()
	base, dir, err := t.identityPaths(identity)
	if err != nil {
		return Decision{}, err
	}

	cooldownPath := filepath.Join(dir, base+".cooldown")
	if info, err := os.Stat(cooldownPath); err == nil {
		end := info.ModTime().Add(t.cooldown)
		if now.Before(end) {
			d := Decision{State: StateHard, RetryAfter: end.Sub(now)}
			t.metrics.recordDecision(ctx, d.State)
			return d, nil
		}
		// A lapsed marker no longer pins the state. It is refreshed below
		// if the identity crosses the hard tier again; GC sweeps the rest.
	} else if !os.IsNotExist(err) {
		return Decision{}, fmt.Errorf("throttle: stat cooldown: %w", err)
	}

	windowStart := now.Truncate(t.window)
	tallyPath := filepath.Join(dir, base+"."+strconv.FormatInt(windowStart.Unix(), 10)+".tally")
	count, err := t.bump(tallyPath)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case count > t.maxPerWindow*t.hardMultiplier:
		// Cooldown creation races are benign: the first creator wins
		// and everyone observes hard either way.
		f, err := os.OpenFile(cooldownPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, privroot.FileMode)
		switch {
		case err == nil:
			f.Close()
			t.logger.Info("throttle.cooldown.engaged", "tally", count, "cooldown", t.cooldown)
			t.metrics.recordCooldown(ctx)
		case os.IsExist(err):
			// The marker is a leftover from a lapsed cooldown (a live one
			// returned above). Restart its clock so the hard state holds
			// for the full duration again.
			if err := os.Chtimes(cooldownPath, now, now); err != nil && !os.IsNotExist(err) {
				return Decision{}, fmt.Errorf("throttle: refresh cooldown: %w", err)
			}
			t.logger.Info("throttle.cooldown.reengaged", "tally", count, "cooldown", t.cooldown)
			t.metrics.recordCooldown(ctx)
		default:
			return Decision{}, fmt.Errorf("throttle: create cooldown: %w", err)
		}
		d := Decision{State: StateHard, RetryAfter: t.cooldown}
		t.metrics.recordDecision(ctx, d.State)
		return d, nil
	case count > t.maxPerWindow:
		d := Decision{State: StateSoft, RetryAfter: windowStart.Add(t.window).Sub(now)}
		t.metrics.recordDecision(ctx, d.State)
		return d, nil
	default:
		d := Decision{State: StateOK}
		t.metrics.recordDecision(ctx, d.State)
		return d, nil
	}
}

// bump appends one byte to the window tally and returns the new count. The
// append is atomic for single-byte writes, so concurrent requests never lose
// increments; the returned size may include racing writers, which only makes
// the throttle stricter.
func (t *Throttle) bump(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, privroot.FileMode)
	if err != nil {
		return 0, fmt.Errorf("throttle: open tally: %w", err)
	}
	if _, err := f.Write([]byte{'+'}); err != nil {
		f.Close()
		return 0, fmt.Errorf("throttle: bump tally: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("throttle: close tally: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("throttle: stat tally: %w", err)
	}
	return int(info.Size()), nil
}

func (t *Throttle) identityPaths(identity string) (string, string, error) {
	sum := sha256.Sum256([]byte(identity))
	hashed := hex.EncodeToString(sum[:])
	dir, err := t.priv.Dir(privroot.CategoryThrottle, hashed[:2])
	if err != nil {
		return "", "", err
	}
	return hashed, dir, nil
}
