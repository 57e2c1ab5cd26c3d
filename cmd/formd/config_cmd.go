package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/formd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage formd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.formd/config.yaml"
	if dir, err := formd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, formd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default formd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := formd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, formd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the viper key space. Durations are rendered as
// strings so the generated file round-trips through viper.GetDuration.
type configDefaults struct {
	PrivateRoot            string `yaml:"private-root"`
	TokenTTL               string `yaml:"token-ttl"`
	LedgerGrace            string `yaml:"ledger-grace"`
	ThrottleMaxPerWindow   int    `yaml:"throttle-max-per-window"`
	ThrottleHardMultiplier int    `yaml:"throttle-hard-multiplier"`
	ThrottleWindow         string `yaml:"throttle-window"`
	ThrottleCooldown       string `yaml:"throttle-cooldown"`
	ThrottleStale          string `yaml:"throttle-stale"`
	UploadRetention        string `yaml:"upload-retention"`
	GCBatchLimit           int    `yaml:"gc-batch-limit"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	d := formd.DefaultConfig()
	defaults := configDefaults{
		PrivateRoot:            "",
		TokenTTL:               d.TokenTTL.String(),
		LedgerGrace:            d.LedgerGrace.String(),
		ThrottleMaxPerWindow:   d.ThrottleMaxPerWindow,
		ThrottleHardMultiplier: d.ThrottleHardMultiplier,
		ThrottleWindow:         d.ThrottleWindow.String(),
		ThrottleCooldown:       d.ThrottleCooldown.String(),
		ThrottleStale:          d.ThrottleStale.String(),
		UploadRetention:        d.UploadRetention.String(),
		GCBatchLimit:           d.GCBatchLimit,
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# formd default configuration\n# private-root is required before any command touches state.\n")
	return append(header, data...), nil
}
