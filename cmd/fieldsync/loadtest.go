package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/loadtest"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress a scratch database with concurrent form work and syncing",
	Long: `Create a temporary database, then open, answer and submit every seeded
assignment from several workers while the queue drains against an
in-process backend. Afterwards every assignment must have been sent
exactly once and be stored as submitted.

Your own database and the real backend are not touched.

Example:
  fieldsync loadtest --assignments 1000 --workers 16 --fail-every 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		n, _ := f.GetInt("assignments")
		opts := loadtest.Options{Logger: logging.Component(logger, "loadtest")}
		opts.Workers, _ = f.GetInt("workers")
		opts.Readers, _ = f.GetInt("readers")
		opts.FailEvery, _ = f.GetInt("fail-every")
		opts.Latency, _ = f.GetDuration("latency")

		path, cleanup, err := loadtest.TempPath()
		if err != nil {
			return err
		}
		defer cleanup()

		h, err := loadtest.Seed(ctx, path, n)
		if err != nil {
			return err
		}
		defer h.Close()

		res, err := h.Run(ctx, opts)
		if err != nil {
			return err
		}
		verifyErr := h.Verify(ctx)

		out := newPrinter()
		if err := out.Print(res, func(w io.Writer) {
			fmt.Fprintf(w, "%d assignments, %d sent in %v (%d submit errors)\n\n", n, res.Sent, res.Elapsed.Round(time.Millisecond), res.Errors)
			res.Submit.Write(w, "Open+answer+submit")
			res.Read.Write(w, "Dashboard reads")
			if verifyErr == nil {
				fmt.Fprintf(w, "\n%s state consistent\n", ui.RenderPass("✓"))
			}
		}); err != nil {
			return err
		}
		return verifyErr
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.Int("assignments", 200, "assignments to seed")
	f.Int("workers", 8, "concurrent submitting workers")
	f.Int("readers", 2, "concurrent dashboard readers")
	f.Int("fail-every", 0, "fail every n-th submit with a 503")
	f.Duration("latency", 0, "simulated backend latency per call")
	rootCmd.AddCommand(loadtestCmd)
}
