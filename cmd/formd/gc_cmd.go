package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/formd"
	"pkt.systems/pslog"
)

func newGCCommand(baseLogger pslog.Logger) *cobra.Command {
	var dryRun bool
	var limit int

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Sweep expired state out of the private root",
		Long: `Sweep expired tokens, ledger markers, retained uploads, and throttle files
out of the private root. Runs are serialized by a lock file; an overlapping
run exits with code 2 and does nothing. The scan budget bounds each run, so
a large backlog drains across successive scheduled runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg formd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logger := applyLogLevel(baseLogger, cfg.LogLevel)

			engine, err := formd.New(cfg, formd.WithLogger(logger))
			if err != nil {
				return err
			}

			batchLimit := cfg.GCBatchLimit
			if cmd.Flags().Changed("limit") {
				batchLimit = limit
			}
			summary, err := engine.RunGC(cmd.Context(), formd.GCOptions{
				DryRun:     dryRun,
				BatchLimit: batchLimit,
			})
			if err != nil {
				return err
			}
			printGCSummary(cmd, summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scan and report without deleting anything")
	cmd.Flags().IntVar(&limit, "limit", 0, "override the scan budget for this run (0 is unbounded)")
	return cmd
}

func printGCSummary(cmd *cobra.Command, s formd.GCSummary) {
	out := cmd.OutOrStdout()
	verb := "deleted"
	if s.DryRun {
		verb = "would delete"
	}
	for _, category := range []string{"tokens", "ledger", "uploads", "throttle"} {
		stats, ok := s.ByType[category]
		if !ok {
			continue
		}
		n := stats.Deleted
		size := stats.DeletedBytes
		if s.DryRun {
			n = stats.Candidates
			size = stats.CandidateBytes
		}
		fmt.Fprintf(out, "%-9s scanned %d, %s %d (%s)\n", category+":", stats.Scanned, verb, n, humanizeBytes(size))
	}
	total := s.Deleted
	totalBytes := s.DeletedBytes
	if s.DryRun {
		total = s.Candidates
		totalBytes = s.CandidateBytes
	}
	fmt.Fprintf(out, "total: scanned %d, %s %d (%s)\n", s.Scanned, verb, total, humanizeBytes(totalBytes))
	if s.ReachedLimit {
		fmt.Fprintln(out, "scan budget reached; rerun to continue")
	}
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
