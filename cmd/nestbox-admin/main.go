package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nestbox/internal/database"
	"nestbox/internal/filesystem"
	"nestbox/internal/logging"
	"nestbox/internal/startup"

	"github.com/spf13/cobra"
)

// defaultTimeout bounds store operations other than scan.
const defaultTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// admin carries the resolved configuration to subcommands.
type admin struct {
	cfg     *startup.Config
	verbose bool
}

func newRootCmd() *cobra.Command {
	a := &admin{}

	root := &cobra.Command{
		Use:   "nestbox-admin",
		Short: "Administer a NestBox data directory",
		Long: `nestbox-admin manages users, runs scans and cleans upload staging
for a NestBox data directory. It resolves DATA_DIR and the other settings
exactly like the server.`,
		Version:       startup.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !a.verbose {
				logging.SetLevel(logging.LevelWarn)
			}
			cfg, err := startup.ResolveConfig()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			filesystem.SetAllowedRoots(cfg.AllowedRoots)
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Show informational logs")

	root.AddCommand(a.userCmd())
	root.AddCommand(a.scanCmd())
	root.AddCommand(a.sweepCmd())
	root.AddCommand(a.statusCmd())
	root.AddCommand(a.unlockCmd())
	return root
}

func (a *admin) openUsers(ctx context.Context) (*database.UserStore, error) {
	users, err := database.OpenUserStore(ctx, a.cfg.UsersDBPath, a.cfg.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", a.cfg.UsersDBPath, err)
	}
	return users, nil
}

func (a *admin) openIndex(ctx context.Context) (*database.IndexStore, error) {
	index, err := database.OpenIndexStore(ctx, a.cfg.IndexDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", a.cfg.IndexDBPath, err)
	}
	return index, nil
}

// closeStore reports close failures without masking the command's result.
func closeStore(cmd *cobra.Command, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close %s: %v\n", name, err)
	}
}
