package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/ui"
	"github.com/cerdas-survey/fieldsync/internal/views"
)

type activitySync struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

type statusReport struct {
	User       map[string]any      `json:"user"`
	Database   string              `json:"database"`
	Size       int64               `json:"size"`
	Version    int                 `json:"schema_version"`
	Config     string              `json:"config,omitempty"`
	Queue      *views.QueueSummary `json:"queue"`
	Activities []activitySync      `json:"activities"`
	Errors     []*schema.ErrorLog  `json:"recent_errors,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session, queue and sync state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report := statusReport{
			User:     sessionInfo(a.session),
			Database: a.store.Path(),
			Config:   cfg.File,
		}
		if fi, err := os.Stat(a.store.Path()); err == nil {
			report.Size = fi.Size()
		}
		if report.Version, err = a.store.Version(ctx); err != nil {
			return err
		}
		if report.Queue, err = views.LoadQueueSummary(ctx, a.store, a.userID()); err != nil {
			return err
		}

		activities, err := a.store.ListActivities(ctx, a.userID())
		if err != nil {
			return err
		}
		report.Activities = make([]activitySync, 0, len(activities))
		for _, act := range activities {
			mark, err := a.store.GetWatermark(ctx, a.userID(), act.ID)
			if err != nil {
				return err
			}
			report.Activities = append(report.Activities, activitySync{ID: act.ID, Name: act.Name, LastSync: mark})
		}

		limit, _ := cmd.Flags().GetInt("errors")
		if limit > 0 {
			if report.Errors, err = a.store.ListErrorLogs(ctx, a.userID(), limit); err != nil {
				return err
			}
		}

		return a.out.Print(report, func(w io.Writer) { printStatus(w, &report) })
	},
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "%s %v <%v>\n", ui.RenderBold("User:"), r.User["name"], r.User["email"])
	fmt.Fprintf(w, "%s %s (%s, schema v%d)\n", ui.RenderBold("Database:"), r.Database, ui.Bytes(r.Size), r.Version)
	if r.Config != "" {
		fmt.Fprintf(w, "%s %s\n", ui.RenderBold("Config:"), r.Config)
	}

	q := r.Queue
	fmt.Fprintf(w, "\n%s\n", ui.RenderAccent("Queue"))
	if q.Total() == 0 {
		fmt.Fprintf(w, "  %s nothing waiting\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(w, "  %d pending, %d processing, %s\n", q.Pending, q.Processing, failedCount(q.Failed))
		fmt.Fprintf(w, "  oldest change queued %s\n", ui.Ago(q.Oldest))
	}
	if q.Photos > 0 {
		fmt.Fprintf(w, "  %d photos waiting (%s)\n", q.Photos, ui.Bytes(q.PhotoBytes))
	}

	fmt.Fprintf(w, "\n%s\n", ui.RenderAccent("Activities"))
	if len(r.Activities) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for _, act := range r.Activities {
		last := "never synced"
		if !act.LastSync.IsZero() {
			last = "synced " + ui.Ago(act.LastSync)
		}
		fmt.Fprintf(w, "  %-12s %-32s %s\n", act.ID, act.Name, ui.RenderMuted(last))
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderWarn("Recent errors"))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s %s: %s\n", ui.RenderMuted(ui.Ago(e.CreatedAt)), e.Context, truncate(e.Message, 80))
		}
	}
}

func failedCount(n int) string {
	s := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return ui.RenderFail(s)
	}
	return s
}

func init() {
	statusCmd.Flags().Int("errors", 5, "number of recent background errors to show")
	rootCmd.AddCommand(statusCmd)
}
