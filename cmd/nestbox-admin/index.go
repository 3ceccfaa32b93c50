package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nestbox/internal/coordinator"
	"nestbox/internal/database"
	"nestbox/internal/indexer"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *admin) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <root>",
		Short: "Index a directory tree synchronously",
		Long: `Scan walks root into the file index under the same lock the server
uses. It fails if another scan holds the lock.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runScan,
	}
}

func (a *admin) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scan lock and index statistics",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}
}

func (a *admin) unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Force-release the scan lock",
		Args:  cobra.NoArgs,
		RunE:  a.runUnlock,
	}
}

// newCoordinator builds a coordinator without a job queue; only the
// synchronous lock and scan paths are used offline.
func (a *admin) newCoordinator(index *database.IndexStore) *coordinator.Coordinator {
	scanner := indexer.NewScanner(index, indexer.Options{
		BatchSize:      a.cfg.ScanBatchSize,
		Workers:        indexer.DefaultOptions().Workers,
		FollowSymlinks: a.cfg.ScanFollowSymlinks,
	})
	return coordinator.New(index, nil, scanner, coordinator.Config{LockTTL: a.cfg.ScanLockTTL})
}

func (a *admin) runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	index, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "index store", index)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanning %s...\n", args[0])

	result, err := a.newCoordinator(index).RunScan(ctx, args[0])
	switch {
	case errors.Is(err, coordinator.ErrScanInProgress):
		return errors.New("a scan is already running (use 'unlock' if it crashed)")
	case errors.Is(err, coordinator.ErrInvalidPath):
		return fmt.Errorf("not a directory or not allowed: %s", args[0])
	case err != nil:
		return fmt.Errorf("scan failed: %w", err)
	}

	fmt.Fprintf(out, "\nScan %s\n", result.Status)
	fmt.Fprintf(out, "  Root:     %s\n", result.Root)
	fmt.Fprintf(out, "  Folders:  %s\n", humanize.Comma(result.Folders))
	fmt.Fprintf(out, "  Files:    %s\n", humanize.Comma(result.Files))
	fmt.Fprintf(out, "  Skipped:  %s\n", humanize.Comma(result.Skipped))
	fmt.Fprintf(out, "  Removed:  %s\n", humanize.Comma(result.Removed))
	fmt.Fprintf(out, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
	return nil
}

func (a *admin) runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	index, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "index store", index)

	out := cmd.OutOrStdout()
	version, dirty, err := index.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(out, "Index:       %s (schema v%d", a.cfg.IndexDBPath, version)
	if dirty {
		fmt.Fprint(out, ", dirty")
	}
	fmt.Fprintln(out, ")")

	info, err := index.LockState(ctx, coordinator.ScanLockKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
		fmt.Fprintln(out, "Scan lock:   free")
	case err != nil:
		return fmt.Errorf("failed to read scan lock: %w", err)
	case info.Active(time.Now()):
		fmt.Fprintf(out, "Scan lock:   held by %s since %s, expires %s\n",
			info.Holder, humanize.Time(info.AcquiredAt), humanize.Time(info.ExpiresAt))
	default:
		fmt.Fprintf(out, "Scan lock:   expired %s (holder %s)\n", humanize.Time(info.ExpiresAt), info.Holder)
	}

	stats, err := index.CollectStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect index stats: %w", err)
	}
	fmt.Fprintf(out, "Folders:     %s\n", humanize.Comma(int64(stats.Folders)))
	fmt.Fprintf(out, "Media files: %s\n", humanize.Comma(int64(stats.Media)))
	fmt.Fprintf(out, "Other files: %s\n", humanize.Comma(int64(stats.Other)))
	return nil
}

func (a *admin) runUnlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	index, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeStore(cmd, "index store", index)

	released, err := a.newCoordinator(index).ForceRelease(ctx)
	if err != nil {
		return fmt.Errorf("failed to release scan lock: %w", err)
	}
	if released {
		fmt.Fprintln(cmd.OutOrStdout(), "Scan lock released.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Scan lock was not held.")
	}
	return nil
}
