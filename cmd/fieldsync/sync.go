package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/engine"
	"github.com/cerdas-survey/fieldsync/internal/reconcile"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send queued changes and pull server updates",
	Long: `Send every queued change to the backend, then pull the changes made on
the server for each of your activities since the last sync.

Subcommands run a single step:
  fieldsync sync delta [activity]   pull changes only
  fieldsync sync full <activity>    replace local data with a server snapshot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("cannot sync with --offline")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		drain, err := a.engine.Drain(ctx)
		if err != nil {
			return err
		}
		deltas, err := a.reconciler.SyncAll(ctx)
		syncErr := describe(err)

		result := struct {
			Drain  *engine.DrainResult      `json:"drain"`
			Deltas []*reconcile.DeltaResult `json:"deltas"`
		}{drain, deltas}
		if err := a.out.Print(result, func(w io.Writer) {
			fmt.Fprintf(w, "%s Queue: %s\n", ui.RenderAccent("→"), drain)
			printDeltas(w, deltas)
		}); err != nil {
			return err
		}
		return syncErr
	},
}

var syncDeltaCmd = &cobra.Command{
	Use:   "delta [activity]",
	Short: "Pull server changes since the last sync",
	Long: `Pull the assignments and responses changed on the server since the
last sync of an activity, or of every activity when none is given.

--since overrides the stored watermark. It accepts a duration ("2h"), a date
("2024-05-01"), an RFC 3339 time or a phrase such as "yesterday" or
"last monday".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("cannot sync with --offline")
		}
		ctx := cmd.Context()
		sinceFlag, _ := cmd.Flags().GetString("since")
		var since time.Time
		if sinceFlag != "" {
			t, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				return err
			}
			since = t
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var results []*reconcile.DeltaResult
		var syncErr error
		switch {
		case len(args) == 0 && since.IsZero():
			results, syncErr = a.reconciler.SyncAll(ctx)
		case len(args) == 0:
			return fmt.Errorf("--since needs an activity")
		case since.IsZero():
			res, err := a.reconciler.SyncDelta(ctx, args[0])
			if err != nil {
				return err
			}
			results = append(results, res)
		default:
			res, err := a.reconciler.SyncDeltaSince(ctx, args[0], since)
			if err != nil {
				return err
			}
			results = append(results, res)
		}

		if err := a.out.Print(results, func(w io.Writer) { printDeltas(w, results) }); err != nil {
			return err
		}
		return syncErr
	},
}

var syncFullCmd = &cobra.Command{
	Use:   "full <activity>",
	Short: "Replace an activity's local data with the server snapshot",
	Long: `Download the complete data of an activity and replace what is stored
locally. Assignments created on this device and assignments with queued
changes are kept.

With --backup the database is uploaded to the configured bucket first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("cannot sync with --offline")
		}
		ctx := cmd.Context()
		activityID := args[0]

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("refusing to replace local data without --yes")
			}
			confirmed := false
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Replace local data of %s with the server copy?", activityID)).
				Affirmative("Replace").
				Negative("Cancel").
				Value(&confirmed)
			if err := huh.NewForm(huh.NewGroup(prompt)).RunWithContext(ctx); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if withBackup, _ := cmd.Flags().GetBool("backup"); withBackup {
			obj, err := uploadBackup(ctx, a)
			if err != nil {
				return fmt.Errorf("backup failed, nothing replaced: %w", err)
			}
			if !a.out.Structured() {
				fmt.Printf("%s Backup %s (%s)\n", ui.RenderPass("✓"), obj.Key, ui.Bytes(obj.Size))
			}
		}

		res, err := a.reconciler.SyncFull(ctx, activityID)
		if err != nil {
			return err
		}
		return a.out.Print(res, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s: %d assignments, %d responses, %d kept local, %d master data, %d SLS\n",
				ui.RenderPass("✓"), res.ActivityID, res.Assignments, res.Responses, res.Preserved, res.MasterData, res.MasterSls)
		})
	},
}

func printDeltas(w io.Writer, results []*reconcile.DeltaResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No activities synced")
		return
	}
	for _, r := range results {
		line := fmt.Sprintf("%s %s: %d assignments, %d responses", ui.RenderPass("✓"), r.ActivityID, r.Assignments, r.Responses)
		if r.Skipped > 0 {
			line += ui.RenderWarn(fmt.Sprintf(", %d skipped (local changes pending)", r.Skipped))
		}
		fmt.Fprintln(w, line)
	}
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince reads a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration %q must not be negative", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("time %q is in the future", s)
	}
	return r.Time, nil
}

func init() {
	syncDeltaCmd.Flags().String("since", "", "pull changes since this time instead of the last sync")
	syncFullCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	syncFullCmd.Flags().Bool("backup", false, "upload a database backup before replacing data")

	syncCmd.AddCommand(syncDeltaCmd)
	syncCmd.AddCommand(syncFullCmd)
	rootCmd.AddCommand(syncCmd)
}
