// Command payctl inspects payment jobs and reconciles payments by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ariefcatur/shop-payments/internal/app"
	"github.com/ariefcatur/shop-payments/internal/checkout"
	"github.com/ariefcatur/shop-payments/internal/config"
	"github.com/ariefcatur/shop-payments/internal/notify"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/redisx"
	"github.com/ariefcatur/shop-payments/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "payctl",
		Short:        "Inspect payment jobs and reconcile payments",
		SilenceUsage: true,
	}
	root.AddCommand(jobCmd(), failedCmd(), reconcileCmd(), sweepCmd(), otpCmd())
	return root
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openQueue needs only Redis, so job inspection works while Postgres is down.
func openQueue(name string) (*queue.Queue, func()) {
	cfg := config.Load()
	rdb := redisx.New(cfg.RedisAddr)
	q := queue.New(rdb, queue.Config{Name: name, RetainCompleted: cfg.RetainCompleted, RetainFailed: cfg.RetainFailed})
	return q, func() { _ = rdb.Close() }
}

func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg := config.Load()
	log := telemetry.InitLogger(cfg.ServiceName+"-payctl", cfg.Debug)
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func jobCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job's state, progress and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn := openQueue(name)
			defer closeFn()
			j, err := q.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		},
	}
	cmd.Flags().StringVar(&name, "queue", checkout.QueuePayments, "queue name")
	return cmd
}

func failedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed <queue>",
		Short: "List the most recently failed jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn := openQueue(args[0])
			defer closeFn()
			jobs, err := q.Failed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tattempts=%d\t%s\t%s\n",
					j.ID, j.Name, j.AttemptsMade, j.FinishedAt.Format(time.RFC3339), j.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <orderID>",
		Short: "Poll the gateway for an order and apply its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				out, err := a.Reconciler.Poll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve orphaned PENDING payments once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if olderThan > 0 {
					a.Sweeper.OrphanAfter = olderThan
				}
				rep, err := a.Sweeper.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override ORPHAN_AFTER")
	return cmd
}

func otpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "otp <userID> <email>",
		Short: "Queue a one-time password for delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn := openQueue(notify.QueueOTP)
			defer closeFn()
			id, err := notify.RequestOTP(cmd.Context(), q, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
