package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"incasso.org/internal/bootstrap"
	"incasso.org/internal/config"
	"incasso.org/internal/domain"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd(defaultLoader).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loader builds the wired collector for one command invocation.
type loader func(ctx context.Context) (*bootstrap.App, error)

func defaultLoader(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return bootstrap.New(ctx, cfg)
}

func newRootCmd(load loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "ddctl",
		Short:         "Operate the direct debit collector",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("as-of", "", "Civil date YYYY-MM-DD (default: today in the business timezone)")

	root.AddCommand(previewCmd(load))
	root.AddCommand(runCmd(load))
	root.AddCommand(resumeCmd(load))
	root.AddCommand(batchCmd(load))
	root.AddCommand(reapCmd(load))
	root.AddCommand(coverageCmd(load))
	root.AddCommand(tokenCmd())
	return root
}

// withApp loads the collector, runs fn and closes connections afterwards.
func withApp(cmd *cobra.Command, load loader, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := load(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}

func asOf(cmd *cobra.Command, app *bootstrap.App) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("as-of")
	if raw == "" {
		return app.Today(), nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of: %w", err)
	}
	return d, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
