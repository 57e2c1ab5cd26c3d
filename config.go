package formd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultTokenTTL is the baseline token lifetime for both modes.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultLedgerGrace extends ledger marker life past the token TTL so a
	// slow retry of an accepted submission still reads as duplicate.
	DefaultLedgerGrace = time.Hour
	// DefaultThrottleWindow is the tally granularity.
	DefaultThrottleWindow = time.Minute
	// DefaultThrottleMaxPerWindow is the soft threshold per window.
	DefaultThrottleMaxPerWindow = 10
	// DefaultThrottleHardMultiplier scales the soft threshold into the hard one.
	DefaultThrottleHardMultiplier = 3
	// DefaultThrottleCooldown pins the hard state once reached.
	DefaultThrottleCooldown = 10 * time.Minute
	// DefaultThrottleStale bounds the life of throttle files on disk.
	DefaultThrottleStale = 72 * time.Hour
	// DefaultUploadRetention bounds stored upload life; negative keeps forever.
	DefaultUploadRetention = 30 * 24 * time.Hour
	// DefaultGCBatchLimit caps entries scanned per GC run.
	DefaultGCBatchLimit = 5000
	// DefaultSoftFailThreshold is the spam score at which a submission fails.
	DefaultSoftFailThreshold = 3
	// DefaultMinFillTime is the fastest plausible human form fill.
	DefaultMinFillTime = 2 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config carries every engine tunable. The zero value is not usable; start
// from DefaultConfig and set PrivateRoot.
type Config struct {
	// PrivateRoot is the directory holding all engine state. Required.
	PrivateRoot string

	// TokenTTL is the mint-time token lifetime.
	TokenTTL time.Duration
	// LedgerGrace extends ledger marker retention past TokenTTL.
	LedgerGrace time.Duration

	// ThrottleMaxPerWindow is the per-identity soft threshold.
	ThrottleMaxPerWindow int
	// ThrottleHardMultiplier scales the soft threshold into the hard tier.
	ThrottleHardMultiplier int
	// ThrottleWindow is the tally window.
	ThrottleWindow time.Duration
	// ThrottleCooldown pins the hard state after the hard tier is reached.
	ThrottleCooldown time.Duration
	// ThrottleStale is when GC collects throttle files.
	ThrottleStale time.Duration

	// UploadRetention bounds stored upload life. Zero deletes after the
	// submission settles; negative keeps forever and skips the GC category.
	UploadRetention time.Duration

	// GCBatchLimit caps entries scanned per GC run; zero means unbounded.
	GCBatchLimit int

	// SoftFailThreshold is the spam score at which a submission hard-fails.
	SoftFailThreshold int
	// TokenHard rejects invalid tokens outright instead of scoring them.
	TokenHard bool
	// HoneypotHard rejects honeypot trips outright instead of silently
	// discarding them.
	HoneypotHard bool
	// RequireOrigin enables the origin hard-mismatch check.
	RequireOrigin bool
	// ChallengeHard rejects challenge failures outright.
	ChallengeHard bool
	// MinFillTime is the fastest plausible human fill time.
	MinFillTime time.Duration

	// LogLevel overrides the ambient log level when set.
	LogLevel string
}

// DefaultConfig returns a Config with every tunable at its default.
// PrivateRoot is left empty and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		TokenTTL:               DefaultTokenTTL,
		LedgerGrace:            DefaultLedgerGrace,
		ThrottleMaxPerWindow:   DefaultThrottleMaxPerWindow,
		ThrottleHardMultiplier: DefaultThrottleHardMultiplier,
		ThrottleWindow:         DefaultThrottleWindow,
		ThrottleCooldown:       DefaultThrottleCooldown,
		ThrottleStale:          DefaultThrottleStale,
		UploadRetention:        DefaultUploadRetention,
		GCBatchLimit:           DefaultGCBatchLimit,
		SoftFailThreshold:      DefaultSoftFailThreshold,
		MinFillTime:            DefaultMinFillTime,
	}
}

// withDefaults fills zero-valued tunables so a sparse Config behaves like
// DefaultConfig with the set fields overridden.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenTTL == 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.LedgerGrace == 0 {
		c.LedgerGrace = d.LedgerGrace
	}
	if c.ThrottleMaxPerWindow == 0 {
		c.ThrottleMaxPerWindow = d.ThrottleMaxPerWindow
	}
	if c.ThrottleHardMultiplier == 0 {
		c.ThrottleHardMultiplier = d.ThrottleHardMultiplier
	}
	if c.ThrottleWindow == 0 {
		c.ThrottleWindow = d.ThrottleWindow
	}
	if c.ThrottleCooldown == 0 {
		c.ThrottleCooldown = d.ThrottleCooldown
	}
	if c.ThrottleStale == 0 {
		c.ThrottleStale = d.ThrottleStale
	}
	if c.SoftFailThreshold == 0 {
		c.SoftFailThreshold = d.SoftFailThreshold
	}
	if c.MinFillTime == 0 {
		c.MinFillTime = d.MinFillTime
	}
	return c
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PrivateRoot) == "" {
		return fmt.Errorf("formd: private root required")
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("formd: token ttl must be >= 0")
	}
	if c.LedgerGrace < 0 {
		return fmt.Errorf("formd: ledger grace must be >= 0")
	}
	if c.ThrottleMaxPerWindow < 0 {
		return fmt.Errorf("formd: throttle max per window must be >= 0")
	}
	if c.ThrottleHardMultiplier < 0 {
		return fmt.Errorf("formd: throttle hard multiplier must be >= 0")
	}
	if c.GCBatchLimit < 0 {
		return fmt.Errorf("formd: gc batch limit must be >= 0")
	}
	if c.SoftFailThreshold < 0 {
		return fmt.Errorf("formd: soft fail threshold must be >= 0")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.formd), overridable through FORMD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FORMD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".formd"), nil
}
