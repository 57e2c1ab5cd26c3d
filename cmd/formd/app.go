package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/formd"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Exit codes: 0 on success, 2 when a GC run was skipped because another run
// holds the lock, 1 on any other failure. Cron wrappers key off code 2 to
// treat overlapping schedules as benign.
const (
	exitOK      = 0
	exitFailure = 1
	exitSkipped = 2
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("FORMD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "formd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if errors.Is(err, formd.ErrGCLocked) {
			fmt.Fprintln(os.Stderr, "gc skipped: another run holds the lock")
			return exitSkipped
		}
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return exitFailure
	}
	return exitOK
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "formd",
		Short:         "formd maintains the private state root of the form submission engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Sweep expired tokens, ledger markers, uploads, and throttle files
  formd gc --private-root /srv/site/uploads/.formd

  # Preview what a sweep would delete
  FORMD_PRIVATE_ROOT=/srv/site/uploads/.formd formd gc --dry-run

  # Write a default config to $HOME/.formd/config.yaml
  formd config gen`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.String("config", "", "path to a config file (defaults to $HOME/.formd/config.yaml when present)")
	persistentFlags.String("private-root", "", "private state root directory (required for gc)")
	persistentFlags.String("log-level", "", "override log level (trace, debug, info, warn, error)")

	persistentFlags.Duration("token-ttl", formd.DefaultTokenTTL, "token lifetime for both modes")
	persistentFlags.Duration("ledger-grace", formd.DefaultLedgerGrace, "ledger marker retention past the token ttl")
	persistentFlags.Int("throttle-max-per-window", formd.DefaultThrottleMaxPerWindow, "soft throttle threshold per window")
	persistentFlags.Int("throttle-hard-multiplier", formd.DefaultThrottleHardMultiplier, "multiplier from the soft to the hard throttle tier")
	persistentFlags.Duration("throttle-window", formd.DefaultThrottleWindow, "throttle tally window")
	persistentFlags.Duration("throttle-cooldown", formd.DefaultThrottleCooldown, "hard throttle cooldown")
	persistentFlags.Duration("throttle-stale", formd.DefaultThrottleStale, "age at which throttle files are swept")
	persistentFlags.Duration("upload-retention", formd.DefaultUploadRetention, "stored upload retention (negative keeps forever)")
	persistentFlags.Int("gc-batch-limit", formd.DefaultGCBatchLimit, "maximum entries scanned per gc run (0 is unbounded)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = persistentFlags.Lookup(name); flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FORMD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "private-root", "log-level",
		"token-ttl", "ledger-grace",
		"throttle-max-per-window", "throttle-hard-multiplier", "throttle-window", "throttle-cooldown", "throttle-stale",
		"upload-retention", "gc-batch-limit",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newGCCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindConfig materializes the effective configuration from flags, env, and
// the config file, in viper's usual precedence order.
func bindConfig(cfg *formd.Config) error {
	if _, err := loadConfigFile(); err != nil {
		return err
	}
	cfg.PrivateRoot = viper.GetString("private-root")
	cfg.TokenTTL = viper.GetDuration("token-ttl")
	cfg.LedgerGrace = viper.GetDuration("ledger-grace")
	cfg.ThrottleMaxPerWindow = viper.GetInt("throttle-max-per-window")
	cfg.ThrottleHardMultiplier = viper.GetInt("throttle-hard-multiplier")
	cfg.ThrottleWindow = viper.GetDuration("throttle-window")
	cfg.ThrottleCooldown = viper.GetDuration("throttle-cooldown")
	cfg.ThrottleStale = viper.GetDuration("throttle-stale")
	cfg.UploadRetention = viper.GetDuration("upload-retention")
	cfg.GCBatchLimit = viper.GetInt("gc-batch-limit")
	cfg.LogLevel = strings.TrimSpace(viper.GetString("log-level"))
	return nil
}

// applyLogLevel narrows the ambient logger when --log-level is set.
func applyLogLevel(logger pslog.Logger, level string) pslog.Logger {
	if level == "" {
		return logger
	}
	parsed, ok := pslog.ParseLevel(level)
	if !ok {
		logger.Warn("cli.log_level.invalid", "level", level)
		return logger
	}
	return logger.LogLevel(parsed)
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := formd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, formd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}
