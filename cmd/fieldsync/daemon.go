package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/config"
	"github.com/cerdas-survey/fieldsync/internal/daemon"
	"github.com/cerdas-survey/fieldsync/internal/feed"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the background",
	Long: `Run the sync loops until interrupted:

- the queue is drained periodically and right after the backend becomes
  reachable again
- every activity is delta-synced periodically
- assignments created on this device pull a delta once registered
- changes to the config file retune the queue without a restart

With --feed a local WebSocket server broadcasts every sync event and the
queue state:
  ws://127.0.0.1:7420/ws       event stream
  http://127.0.0.1:7420/queue  queue summary as JSON`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("the daemon cannot run with --offline")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		dcfg := daemon.DefaultConfig()
		dcfg.DrainInterval = cfg.Sync.DrainInterval
		dcfg.DeltaInterval = cfg.Sync.DeltaInterval
		dcfg.Logger = logging.Component(logger, "daemon")
		if cfg.File != "" {
			dcfg.ConfigFile = cfg.File
			dcfg.LoadTuning = config.LoadTuning
		}
		d, err := daemon.New(a.engine, a.reconciler, a.monitor, dcfg)
		if err != nil {
			return err
		}

		if withFeed, _ := cmd.Flags().GetBool("feed"); withFeed {
			addr, _ := cmd.Flags().GetString("feed-addr")
			if addr == "" {
				addr = cfg.Feed.Addr
			}
			server := feed.NewServer(&feed.Config{Addr: addr, Logger: logging.Component(logger, "feed")})
			handler := feed.NewHandler(server, a.store, a.userID(), nil)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start feed: %w", err)
			}
			handler.Attach(a.bus)
			defer func() {
				handler.Detach()
				if err := server.Stop(); err != nil {
					logger.WithError(err).Warn("feed shutdown")
				}
			}()
			fmt.Printf("%s Feed on ws://%s/ws\n", ui.RenderAccent("📡"), server.Addr())
		}

		fmt.Printf("%s Syncing as %s. Press Ctrl+C to stop.\n", ui.RenderPass("✓"), a.session.Name)
		if err := d.Start(ctx); err != nil {
			return err
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("feed", false, "serve the live event feed")
	daemonCmd.Flags().String("feed-addr", "", "feed listen address (default from config feed.addr)")
	rootCmd.AddCommand(daemonCmd)
}
