package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/session"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "work",
	Short:   "Log in to the survey backend",
	Long: `Log in with your survey account. The session is stored in the data
directory and used by every other command until you log out.

Without --email or --password the missing values are asked for
interactively. After logging in the activity list is downloaded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		if email == "" || password == "" {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("--email and --password are required when not running in a terminal")
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Email").Value(&email),
				huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
			))
			if err := form.RunWithContext(ctx); err != nil {
				return err
			}
		}
		email = strings.TrimSpace(email)

		root, err := baseURL(nil)
		if err != nil {
			return err
		}
		client, err := gateway.New(gateway.Config{
			BaseURL: root,
			Timeout: cfg.HTTPTimeout,
			Logger:  logging.Component(logger, "gateway"),
		})
		if err != nil {
			return err
		}

		path := session.Path(cfg.DataDir)
		sess, err := session.Login(ctx, client, path, email, password)
		if err != nil {
			return err
		}
		sess.BaseURL = root
		if err := sess.Save(path); err != nil {
			return err
		}

		fetched := -1
		if !offline {
			if a, err := openApp(ctx); err != nil {
				logger.WithError(err).Warn("could not open database after login")
			} else {
				activities, err := a.reconciler.FetchActivities(ctx)
				a.Close()
				if err != nil {
					logger.WithError(err).Warn("could not download activities")
				} else {
					fetched = len(activities)
				}
			}
		}

		out := newPrinter()
		return out.Print(sessionInfo(sess), func(w io.Writer) {
			fmt.Fprintf(w, "%s Logged in as %s (%s)\n", ui.RenderPass("✓"), ui.RenderBold(sess.Name), sess.Email)
			if fetched >= 0 {
				fmt.Fprintf(w, "  %d activities downloaded\n", fetched)
			}
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "work",
	Short:   "Forget the stored session",
	Long: `Remove the stored session. Local assignments and queued changes stay in
the database and are sent after the same user logs in again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Logout(session.Path(cfg.DataDir)); err != nil {
			return err
		}
		fmt.Println(ui.RenderPass("✓") + " Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "work",
	Short:   "Show the logged-in user",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Load(session.Path(cfg.DataDir))
		if err != nil {
			return err
		}
		return newPrinter().Print(sessionInfo(sess), func(w io.Writer) {
			fmt.Fprintf(w, "%s <%s>\n", ui.RenderBold(sess.Name), sess.Email)
			fmt.Fprintf(w, "  user:      %s\n", sess.UserID)
			fmt.Fprintf(w, "  backend:   %s\n", orDash(sess.BaseURL))
			fmt.Fprintf(w, "  logged in: %s\n", ui.Ago(sess.LoggedInAt))
		})
	},
}

// sessionInfo is the structured view of a session; the token never leaves
// the session file.
func sessionInfo(s *session.Session) map[string]any {
	return map[string]any{
		"user_id":      s.UserID,
		"name":         s.Name,
		"email":        s.Email,
		"satker_id":    s.SatkerID,
		"base_url":     s.BaseURL,
		"logged_in_at": s.LoggedInAt,
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted when omitted)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
