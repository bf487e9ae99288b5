package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/ui"
	"github.com/cerdas-survey/fieldsync/internal/views"
)

var activitiesCmd = &cobra.Command{
	Use:     "activities",
	Aliases: []string{"act"},
	GroupID: "work",
	Short:   "List your survey activities",
	Long: `List the activities you take part in with your role and how many
assignments are in each status.

Use --refresh to download the activity list from the backend first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh && !offline {
			if _, err := a.reconciler.FetchActivities(ctx); err != nil {
				return describe(err)
			}
		}

		rows, err := views.Activities(ctx, a.store, a.userID(), time.Now())
		if err != nil {
			return err
		}
		return a.out.Print(rows, func(w io.Writer) {
			if len(rows) == 0 {
				fmt.Fprintln(w, "No activities. Run 'fieldsync activities --refresh' while online.")
				return
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				table = append(table, []string{
					r.Activity.ID,
					r.Activity.Name,
					strconv.Itoa(r.Activity.Year),
					string(r.Activity.UserRole),
					r.Activity.Status,
					strconv.Itoa(r.Total),
					strconv.Itoa(r.Summary[schema.StatusSubmitted] + r.Summary[schema.StatusSubmittedLocal]),
				})
			}
			fmt.Fprintln(w, ui.Table([]string{"ID", "Name", "Year", "Role", "Status", "Assignments", "Submitted"}, table))
		})
	},
}

func init() {
	activitiesCmd.Flags().Bool("refresh", false, "download the activity list first")
	rootCmd.AddCommand(activitiesCmd)
}
