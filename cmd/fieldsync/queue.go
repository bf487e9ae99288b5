package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage queued changes",
	Long: `Every change made on this device is queued until the backend confirms
it. Items that keep failing are parked as failed and retried after a
cooldown, or immediately with 'fieldsync queue retry'.`,
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued changes in send order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.store.ListQueue(ctx, a.userID())
		if err != nil {
			return err
		}
		if items == nil {
			items = []*schema.QueueItem{}
		}
		return a.out.Print(items, func(w io.Writer) {
			if len(items) == 0 {
				fmt.Fprintln(w, ui.RenderPass("✓")+" Queue is empty")
				return
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				status := string(item.Status)
				if item.Status == schema.QueueFailed {
					status = ui.RenderFail(status)
				}
				next := "-"
				if item.Status != schema.QueueProcessing && item.NextAttemptAt.After(item.EnqueuedAt) {
					next = ui.Ago(item.NextAttemptAt)
				}
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					string(item.Type),
					status,
					orDash(item.AssignmentID),
					strconv.Itoa(item.Retries),
					next,
					truncate(item.LastError, 48),
				})
			}
			fmt.Fprintln(w, ui.Table([]string{"#", "Type", "Status", "Assignment", "Retries", "Next", "Last error"}, rows))
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Make failed items eligible again and send them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.engine.RetryFailed(ctx)
		if err != nil {
			return err
		}
		res := a.flush(ctx)
		return a.out.Print(map[string]any{"reset": n, "drain": res}, func(w io.Writer) {
			fmt.Fprintf(w, "%s %d failed items reset\n", ui.RenderPass("✓"), n)
			a.reportFlush(res)
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send queued changes now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return fmt.Errorf("cannot drain with --offline")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.engine.Drain(ctx)
		if err != nil {
			return err
		}
		return a.out.Print(res, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s\n", ui.RenderAccent("→"), res)
		})
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
