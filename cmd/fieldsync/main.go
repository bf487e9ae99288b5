// Command fieldsync is the offline client for field survey enumeration:
// it keeps assignments and answers in a local database, queues every change
// and sends the queue to the backend whenever it is reachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/config"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var (
	v       = config.New()
	cfgFile string
	format  string
	offline bool

	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync client for field survey enumeration",
	Long: `fieldsync keeps survey assignments on this device, lets collectors and
supervisors work on them without a connection, and sends every change to
the backend in order once it is reachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsValidFormat(format) {
			return fmt.Errorf("invalid format %q: must be one of %v", format, ui.ValidFormats)
		}

		cwd, _ := os.Getwd()
		if err := config.LoadDotEnv(cwd, v.GetString("data_dir")); err != nil {
			return err
		}

		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		cfg = c

		l, err := logging.New(logging.Options{Level: c.Log.Level, File: c.Log.File, JSON: c.Log.JSON})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "work", Title: "Field work:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/fieldsync.toml)")
	pf.String("data-dir", "", "directory holding the database and session")
	pf.String("base-url", "", "backend API root, e.g. https://survey.example.org/api")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&format, "format", ui.FormatText, "output format (text|json|yaml)")
	pf.BoolVar(&offline, "offline", false, "do not contact the backend; queue changes only")

	_ = v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = v.BindPFlag("base_url", pf.Lookup("base-url"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
