package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/schema"
	"github.com/cerdas-survey/fieldsync/internal/store"
	"github.com/cerdas-survey/fieldsync/internal/ui"
	"github.com/cerdas-survey/fieldsync/internal/views"
	"github.com/cerdas-survey/fieldsync/internal/workflow"
)

var assignmentsCmd = &cobra.Command{
	Use:     "assignments <activity>",
	Aliases: []string{"ls"},
	GroupID: "work",
	Short:   "Show the assignment dashboard of an activity",
	Long: `Show the assignments of an activity with their status, grouped by
region with --group. The summary line counts assignments per status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		dash := views.NewDashboard(a.store, nil, a.userID(), args[0])
		defer dash.Close()
		if err := dash.Load(ctx); err != nil {
			return err
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		list := dash.Assignments()
		if statusFilter != "" {
			want, err := schema.ParseStatus(statusFilter)
			if err != nil {
				return err
			}
			filtered := list[:0]
			for _, asg := range list {
				if asg.Status.OrAssigned() == want {
					filtered = append(filtered, asg)
				}
			}
			list = filtered
		}

		if a.out.Structured() {
			return a.out.Print(map[string]any{
				"assignments": list,
				"summary":     dash.StatusSummary(),
			}, nil)
		}

		if group, _ := cmd.Flags().GetBool("group"); group && statusFilter == "" {
			for _, g := range dash.Grouped() {
				fmt.Printf("\n%s %s\n", ui.RenderAccent(g.Label), ui.RenderMuted(g.Code))
				fmt.Println(ui.Table([]string{"ID", "Label", "Status"}, assignmentRows(g.Assignments)))
			}
		} else if len(list) > 0 {
			fmt.Println(ui.Table([]string{"ID", "Label", "Status"}, assignmentRows(list)))
		}
		fmt.Println(summaryLine(dash.StatusSummary()))
		return nil
	},
}

func assignmentRows(list []*schema.Assignment) [][]string {
	rows := make([][]string, 0, len(list))
	for _, asg := range list {
		rows = append(rows, []string{asg.ID, asg.Label, ui.RenderStatus(asg.Status)})
	}
	return rows
}

func summaryLine(summary map[schema.Status]int) string {
	if len(summary) == 0 {
		return "No assignments"
	}
	statuses := make([]string, 0, len(summary))
	for s := range summary {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s: %d", s, summary[schema.Status(s)]))
	}
	return strings.Join(parts, " · ")
}

var openCmd = &cobra.Command{
	Use:     "open <assignment>",
	GroupID: "work",
	Short:   "Open an assignment and show its answers",
	Long: `Open an assignment. A collector opening an assignment for the first time
starts a fresh response and the assignment moves to Opened.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		loaded, err := a.workflow.LoadAssignment(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		return a.out.Print(loaded, func(w io.Writer) {
			asg := loaded.Assignment
			fmt.Fprintf(w, "%s %s\n", ui.RenderBold(asg.Label), ui.RenderMuted(asg.ID))
			fmt.Fprintf(w, "  status:  %s\n", ui.RenderStatus(asg.Status))
			fmt.Fprintf(w, "  role:    %s\n", loaded.Role)
			if label, code := asg.GroupKey(); label != "" {
				fmt.Fprintf(w, "  region:  %s %s\n", label, ui.RenderMuted(code))
			}
			if loaded.FormSchema != nil {
				fmt.Fprintf(w, "  form:    v%d\n", loaded.FormSchema.Version())
			}
			if loaded.Response != nil {
				fmt.Fprintf(w, "  version: %d\n", loaded.Response.Version)
				if loaded.Response.Notes != "" {
					fmt.Fprintf(w, "  notes:   %s\n", loaded.Response.Notes)
				}
				body, _ := json.MarshalIndent(loaded.Response.Responses, "  ", "  ")
				fmt.Fprintf(w, "  answers: %s\n", body)
			}
		})
	},
}

var answerCmd = &cobra.Command{
	Use:     "answer <assignment> <path> <value>",
	GroupID: "work",
	Short:   "Set one answer of an open assignment",
	Long: `Set the answer at a dotted path, e.g. "household.members". The value is
read as JSON when it parses, otherwise as a string. The answer is saved on
this device only; 'fieldsync submit' sends it.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		loaded, err := a.workflow.LoadAssignment(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		if loaded.Response == nil {
			return fmt.Errorf("assignment %s has no response", args[0])
		}
		if err := workflow.SetAnswer(loaded.Response, args[1], parseValue(args[2])); err != nil {
			return describe(err)
		}
		if err := a.workflow.SaveAnswers(ctx, args[0], loaded.Response.Responses); err != nil {
			return describe(err)
		}
		fmt.Printf("%s %s saved\n", ui.RenderPass("✓"), args[1])
		return nil
	},
}

// parseValue reads a command-line answer as JSON, falling back to the raw
// string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

var submitCmd = &cobra.Command{
	Use:     "submit <assignment>",
	GroupID: "work",
	Short:   "Submit the answers of an assignment",
	Long: `Submit the stored answers of an assignment. The status becomes
Submitted by PPL on this device at once; the backend receives the answers
now when online or with the next sync.

--answers replaces the stored answers with a JSON object (or @file).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		answers, err := answersFlag(cmd)
		if err != nil {
			return err
		}
		if answers == nil {
			loaded, err := a.workflow.LoadAssignment(ctx, args[0])
			if err != nil {
				return describe(err)
			}
			if loaded.Response != nil {
				answers = loaded.Response.Responses
			}
		}

		item, err := a.workflow.Submit(ctx, args[0], answers)
		if err != nil {
			return describe(err)
		}
		return printQueued(a, cmd, item, "Submitted "+args[0])
	},
}

// reviewCmd builds approve, reject and revert, which differ only in the
// workflow call.
func reviewCmd(use, short string, run func(a *app, cmd *cobra.Command, id, notes string) (*schema.QueueItem, error)) *cobra.Command {
	c := &cobra.Command{
		Use:     use + " <assignment>",
		GroupID: "work",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			notes, _ := cmd.Flags().GetString("notes")
			item, err := run(a, cmd, args[0], notes)
			if err != nil {
				return describe(err)
			}
			return printQueued(a, cmd, item, fmt.Sprintf("%s queued for %s", use, args[0]))
		},
	}
	c.Flags().String("notes", "", "review notes")
	return c
}

var approveCmd = reviewCmd("approve", "Approve a submitted assignment",
	func(a *app, cmd *cobra.Command, id, notes string) (*schema.QueueItem, error) {
		return a.workflow.Approve(cmd.Context(), id, notes)
	})

var rejectCmd = reviewCmd("reject", "Reject a submitted assignment",
	func(a *app, cmd *cobra.Command, id, notes string) (*schema.QueueItem, error) {
		return a.workflow.Reject(cmd.Context(), id, notes)
	})

var revertCmd = reviewCmd("revert", "Revert an approval",
	func(a *app, cmd *cobra.Command, id, notes string) (*schema.QueueItem, error) {
		return a.workflow.RevertApproval(cmd.Context(), id, notes)
	})

var createCmd = &cobra.Command{
	Use:     "create <activity>",
	GroupID: "work",
	Short:   "Create a new assignment on this device",
	Long: `Create an assignment for an activity that accepts new assignments. It
shows as Submitted Local until the backend registers it under the same id.
--level4-code is required.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		f := cmd.Flags()
		in := workflow.NewAssignment{ActivityID: args[0]}
		in.Assignment.Label, _ = f.GetString("label")
		in.Assignment.Level4Code, _ = f.GetString("level4-code")
		in.Assignment.Level4Label, _ = f.GetString("level4-label")
		in.Assignment.Level4CodeFull = in.Assignment.Level4Code
		in.Assignment.Level6Code, _ = f.GetString("level6-code")
		in.Assignment.Level6Label, _ = f.GetString("level6-label")
		in.Assignment.Level6CodeFull = in.Assignment.Level6Code

		if in.Answers, err = answersFlag(cmd); err != nil {
			return err
		}
		if path, _ := f.GetString("photo"); path != "" {
			photo, err := readPhoto(path)
			if err != nil {
				return err
			}
			in.Photo = photo
		}

		created, item, err := a.workflow.CreateAssignment(ctx, in)
		if err != nil {
			return describe(err)
		}
		return printQueued(a, cmd, item, fmt.Sprintf("Created %s (%s)", created.Label, created.ID))
	},
}

var photoCmd = &cobra.Command{
	Use:     "photo <assignment> <question> <file>",
	GroupID: "work",
	Short:   "Attach a photo as the answer to a question",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		photo, err := readPhoto(args[2])
		if err != nil {
			return err
		}
		item, err := a.workflow.AttachPhoto(ctx, args[0], args[1], *photo)
		if err != nil {
			return describe(err)
		}
		return printQueued(a, cmd, item, fmt.Sprintf("Photo %s queued (%s)", photo.Filename, ui.Bytes(int64(len(photo.Data)))))
	},
}

var actionsCmd = &cobra.Command{
	Use:     "actions <assignment>",
	GroupID: "work",
	Short:   "List the review actions allowed on an assignment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		actions, err := a.workflow.AllowedActions(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		if actions == nil {
			actions = []schema.Action{}
		}
		return a.out.Print(actions, func(w io.Writer) {
			if len(actions) == 0 {
				fmt.Fprintln(w, "No actions available")
				return
			}
			for _, act := range actions {
				fmt.Fprintf(w, "  %s\n", act)
			}
		})
	},
}

var historyCmd = &cobra.Command{
	Use:     "history <assignment>",
	GroupID: "work",
	Short:   "Show the local status history of an assignment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.workflow.History(ctx, args[0])
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []*schema.HistoryEntry{}
		}
		return a.out.Print(entries, func(w io.Writer) {
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				from := "-"
				if e.FromStatus != "" {
					from = string(e.FromStatus)
				}
				rows = append(rows, []string{
					e.CreatedAt.Local().Format("2006-01-02 15:04"),
					from,
					ui.RenderStatus(e.ToStatus),
					e.Notes,
				})
			}
			fmt.Fprintln(w, ui.Table([]string{"When", "From", "To", "Notes"}, rows))
		})
	},
}

// printQueued reports a queued change and sends it right away when online.
func printQueued(a *app, cmd *cobra.Command, item *schema.QueueItem, msg string) error {
	res := a.flush(cmd.Context())
	return a.out.Print(map[string]any{"queued": item, "drain": res}, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", ui.RenderPass("✓"), msg)
		a.reportFlush(res)
	})
}

// answersFlag reads --answers as inline JSON or @file. It returns nil when
// the flag is unset.
func answersFlag(cmd *cobra.Command) (schema.Answers, error) {
	raw, _ := cmd.Flags().GetString("answers")
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read answers: %w", err)
		}
		data = b
	}
	var answers schema.Answers
	if err := json.Unmarshal(data, &answers); err != nil {
		return nil, fmt.Errorf("invalid answers JSON: %w", err)
	}
	return answers, nil
}

func readPhoto(path string) (*workflow.Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	return &workflow.Photo{
		Data:        data,
		ContentType: http.DetectContentType(data),
		Filename:    filepath.Base(path),
	}, nil
}

// describe turns workflow, store and backend errors into messages for the
// user.
func describe(err error) error {
	var incomplete *workflow.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		printIssues(os.Stderr, incomplete.Summary)
		return fmt.Errorf("%d answers need fixing before submission (see 'fieldsync check %s')",
			incomplete.Summary.ErrorCount, incomplete.AssignmentID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("not found on this device (try 'fieldsync sync'): %w", err)
	case errors.Is(err, workflow.ErrNoResponse):
		return fmt.Errorf("the collector has not started this assignment yet")
	case gateway.IsUnauthorized(err):
		return fmt.Errorf("the session has expired, run 'fieldsync login' again: %w", err)
	case gateway.IsForbidden(err):
		return fmt.Errorf("the backend does not allow this for your account: %w", err)
	default:
		return err
	}
}

var checkCmd = &cobra.Command{
	Use:     "check <assignment>",
	GroupID: "work",
	Short:   "Validate the answers of an assignment against its form",
	Long: `Check the stored answers (or --answers) against the form rules. Errors
block submission; warnings and blank questions are reported only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		answers, err := answersFlag(cmd)
		if err != nil {
			return err
		}
		summary, err := a.workflow.Check(ctx, args[0], answers)
		if err != nil {
			return describe(err)
		}
		return a.out.Print(summary, func(w io.Writer) {
			printIssues(w, summary)
			fmt.Fprintf(w, "%d of %d answered · %d errors · %d warnings · %d blank\n",
				summary.AnsweredCount, summary.TotalVisibleCount,
				summary.ErrorCount, summary.WarningCount, summary.BlankCount)
		})
	},
}

func printIssues(w io.Writer, s *views.ValidationSummary) {
	for _, i := range s.Errors {
		fmt.Fprintf(w, "  %s %s: %s\n", ui.RenderFail("✗"), i.QuestionID, i.Message)
	}
	for _, i := range s.Warnings {
		fmt.Fprintf(w, "  %s %s: %s\n", ui.RenderWarn("!"), i.QuestionID, i.Message)
	}
	for _, i := range s.Blanks {
		fmt.Fprintf(w, "  %s %s: %s\n", ui.RenderMuted("·"), i.QuestionID, i.Message)
	}
}

func init() {
	assignmentsCmd.Flags().Bool("group", false, "group assignments by region")
	assignmentsCmd.Flags().String("status", "", "only show assignments with this status")

	submitCmd.Flags().String("answers", "", "answers as a JSON object, or @file")
	checkCmd.Flags().String("answers", "", "answers as a JSON object, or @file")

	createCmd.Flags().String("label", "", "assignment label")
	createCmd.Flags().String("level4-code", "", "level 4 region code")
	createCmd.Flags().String("level4-label", "", "level 4 region name")
	createCmd.Flags().String("level6-code", "", "level 6 region code")
	createCmd.Flags().String("level6-label", "", "level 6 region name")
	createCmd.Flags().String("answers", "", "answers as a JSON object, or @file")
	createCmd.Flags().String("photo", "", "photo file attached to the new assignment")

	for _, c := range []*cobra.Command{
		assignmentsCmd, openCmd, answerCmd, checkCmd, submitCmd,
		approveCmd, rejectCmd, revertCmd,
		createCmd, photoCmd, actionsCmd, historyCmd,
	} {
		rootCmd.AddCommand(c)
	}
}
