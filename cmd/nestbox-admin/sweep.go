package main

import (
	"fmt"

	"nestbox/internal/startup"
	"nestbox/internal/upload"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *admin) sweepCmd() *cobra.Command {
	var maxAge string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned upload staging directories",
		Long: `Sweep deletes staging directories whose last chunk is older than the
max age. Run it while the server is stopped: a merge queued in a running
server is not visible here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSweep(cmd, maxAge)
		},
	}
	cmd.Flags().StringVar(&maxAge, "max-age", "", "Override JANITOR_MAX_AGE (e.g. 12h, 2d)")
	return cmd
}

func (a *admin) runSweep(cmd *cobra.Command, maxAgeFlag string) error {
	maxAge := a.cfg.JanitorMaxAge
	if maxAgeFlag != "" {
		d, err := startup.ParseDuration(maxAgeFlag)
		if err != nil {
			return fmt.Errorf("invalid --max-age: %w", err)
		}
		maxAge = d
	}

	chunks, err := upload.NewChunkStore(a.cfg.UploadTmp)
	if err != nil {
		return fmt.Errorf("failed to open upload staging: %w", err)
	}

	janitor := upload.NewJanitor(chunks, maxAge, a.cfg.JanitorInterval, nil)
	result, err := janitor.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d staging directories (%s freed), kept %d recent.\n",
		result.Removed, humanize.IBytes(uint64(result.BytesFreed)), result.SkippedFresh)
	return nil
}
