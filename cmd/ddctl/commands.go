package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"incasso.org/internal/auth"
	"incasso.org/internal/bootstrap"
	"incasso.org/internal/config"
	"incasso.org/internal/domain"
)

type batchOutput struct {
	Batch  domain.Batch  `json:"batch"`
	Report domain.Report `json:"report"`
}

func previewCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Show the batch a run would produce, without writing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				day, err := asOf(cmd, app)
				if err != nil {
					return err
				}
				req, ok, err := app.Trigger.Plan(day)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not a scheduling day", day.Format(time.DateOnly))
				}
				res, err := app.Engine.Preview(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func runCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fire the trigger for a date",
		Long: `Fire the trigger as if the scheduler ran on --as-of.
Off days and windows that already have a batch are reported as skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				day, err := asOf(cmd, app)
				if err != nil {
					return err
				}
				out, err := app.Trigger.Fire(ctx, day)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func resumeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [batch-id]",
		Short: "Validate an assembled batch that was left behind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				b, report, err := app.Engine.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), batchOutput{Batch: b, Report: report})
			})
		},
	}
}

func batchCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "batch [batch-id]",
		Short: "Print a batch with its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				b, err := app.Engine.Batch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
}

func reapCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Reject batches stuck in Assembling and release their claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				released, err := app.Engine.Reap(ctx)
				if err != nil {
					return err
				}
				if released == nil {
					released = []domain.Release{}
				}
				return printJSON(cmd.OutOrStdout(), released)
			})
		},
	}
}

func coverageCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "coverage",
		Short: "Check billing schedules for gaps and collisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, app *bootstrap.App) error {
				day, err := asOf(cmd, app)
				if err != nil {
					return err
				}
				res, err := app.Engine.Coverage(ctx, day)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token signed with OPERATOR_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.OperatorTokenSecret)
			if err != nil {
				return err
			}
			tok, err := tokens.Generate(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringP("subject", "s", "", "Token subject (operator id)")
	cmd.Flags().StringSliceP("roles", "r", []string{auth.RoleViewer}, "Roles: viewer, operator")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
