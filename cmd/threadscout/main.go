package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/smallbiznis/threadscout/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadscout",
		Short:         "Finds Reddit threads worth answering and runs the reply pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCommand("api", "Serve the review API", app.Core, app.Domain, app.API),
		serveCommand("worker", "Run the queue workers and the scheduler", app.Core, app.Domain, app.Worker),
		serveCommand("all", "Run the review API and the workers in one process", app.Core, app.Domain, app.API, app.Worker),
		migrateCommand(),
	)
	return root
}

func serveCommand(use, short string, opts ...fx.Option) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application := fx.New(opts...)
			if err := application.Err(); err != nil {
				return err
			}
			application.Run()
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application := fx.New(app.Migrate, fx.NopLogger)
			if err := application.Err(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := application.Start(ctx); err != nil {
				return err
			}
			return application.Stop(ctx)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "time allowed for connecting and migrating")
	return cmd
}
