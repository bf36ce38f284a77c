package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arkilian/rollup/internal/app"
	"github.com/arkilian/rollup/internal/audit"
	"github.com/arkilian/rollup/internal/quarantine"
	"github.com/arkilian/rollup/internal/snapshot"
	"github.com/arkilian/rollup/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the maintainers, audit daemon and API",
	Long: `
  Runs the services selected by --mode (all, maintain, audit, serve) until
  SIGINT or SIGTERM.
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting rollup", "version", version, "commit", commit,
		"mode", cfg.Mode, "data_dir", cfg.DataDir, "storage", cfg.Storage.Type)

	if err := a.Start(cmd.Context()); err != nil {
		return err
	}
	return a.WaitForShutdown(cmd.Context())
}

// withApp opens the stores for a one-shot command and closes them after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Open(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "compare stored totals with the ledger and correct drift",
	Long: `
  Recomputes total_spent from the ledger and overwrites any stored total
  that differs by more than the configured epsilon. A full audit resumes
  from the cursor of an interrupted one.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Checker().Audit(ctx, audit.Scope{CustomerID: flags.customerID})
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "recompute every aggregate from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Batch().Rebuild(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "apply every pending mutation event once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Events().Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "write a snapshot of every aggregate to object storage",
	Long: `
  Writes a snapshot of every aggregate. With --keep N, older snapshots
  beyond the newest N are deleted afterwards.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			m, err := a.Exporter().Export(ctx)
			if err != nil {
				return err
			}
			if flags.keep > 0 {
				if _, err := a.Exporter().Prune(ctx, flags.keep); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), m)
		})
	},
}

var errSnapshotDrift = errors.New("snapshot differs from the aggregate store")

var verifyCmd = &cobra.Command{
	Use:   "verify [snapshot path]",
	Short: "compare a snapshot with the current aggregate store",
	Long: `
  Loads a snapshot written by "rollup export" and lists customers whose
  stored total differs from it. Customers updated after the snapshot are
  not reported.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			snap, err := snapshot.Load(ctx, a.Objects(), args[0])
			if err != nil {
				return err
			}
			mismatches, err := snap.Compare(ctx, a.Store())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), mismatches); err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%w: %d customers", errSnapshotDrift, len(mismatches))
			}
			return nil
		})
	},
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "list quarantined mutation events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			records, err := a.Journal().ReadAll()
			if err != nil {
				return err
			}
			if flags.limit > 0 && len(records) > flags.limit {
				records = records[len(records)-flags.limit:]
			}
			if records == nil {
				records = []quarantine.Record{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		})
	},
}

var customersCmd = &cobra.Command{
	Use:   "customers",
	Short: "manage customer aggregates",
}

var customersCreateCmd = &cobra.Command{
	Use:   "create [customer id]...",
	Short: "register customers so their orders are counted",
	Long: `
  Creates an empty aggregate for each customer. Required before a
  customer's orders are counted when policy.require_existing is set;
  existing customers are left unchanged.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var out []types.CustomerAggregate
			for _, id := range args {
				if err := a.CreateCustomer(ctx, id); err != nil {
					return err
				}
				agg, err := a.Store().Get(ctx, id)
				if err != nil {
					return err
				}
				agg.CustomerID = id
				out = append(out, agg)
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rollup version %s (commit: %s)\n", version, commit)
	},
}

func init() {
	{
		f := serveCmd.Flags()
		f.StringVar(&flags.mode, "mode", "", "service mode: all, maintain, audit, serve")
		f.StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address")
		f.StringVar(&flags.grpcAddr, "grpc-addr", "", "gRPC listen address")
	}
	auditCmd.Flags().StringVar(&flags.customerID, "customer", "", "audit only this customer")
	exportCmd.Flags().IntVar(&flags.keep, "keep", 0, "delete all but the newest N snapshots after exporting")
	quarantineCmd.Flags().IntVar(&flags.limit, "limit", 0, "show only the newest N records")

	customersCmd.AddCommand(customersCreateCmd)

	rootCmd.AddCommand(
		serveCmd,
		customersCmd,
		auditCmd,
		rebuildCmd,
		reconcileCmd,
		exportCmd,
		verifyCmd,
		quarantineCmd,
		versionCmd,
	)
}
