package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cerdas-survey/fieldsync/internal/backup"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/ui"
)

func newBackup(ctx context.Context) (*backup.Backup, error) {
	b := cfg.Backup
	if b.Bucket == "" {
		return nil, fmt.Errorf("no backup bucket configured (backup.bucket)")
	}
	return backup.New(ctx, backup.Config{
		Bucket:          b.Bucket,
		Region:          b.Region,
		Endpoint:        b.Endpoint,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		Prefix:          b.Prefix,
		UsePathStyle:    b.UsePathStyle,
		Logger:          logging.Component(logger, "backup"),
	})
}

func uploadBackup(ctx context.Context, a *app) (*backup.Object, error) {
	b, err := newBackup(ctx)
	if err != nil {
		return nil, err
	}
	return b.Upload(ctx, a.store, a.userID())
}

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "advanced",
	Short:   "Upload a snapshot of the local database",
	Long: `Upload a consistent snapshot of the local database, including queued
changes and photos that have not been sent, to the configured S3 bucket.

Configure the target in the [backup] section of the config file or with
FIELDSYNC_BACKUP_* environment variables. Without explicit keys the
standard AWS credential chain is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		obj, err := uploadBackup(ctx, a)
		if err != nil {
			return err
		}
		return a.out.Print(obj, func(w io.Writer) {
			fmt.Fprintf(w, "%s Uploaded %s (%s)\n", ui.RenderPass("✓"), obj.Key, ui.Bytes(obj.Size))
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List uploaded backups, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := newBackup(ctx)
		if err != nil {
			return err
		}
		objects, err := b.List(ctx, a.userID())
		if err != nil {
			return err
		}
		if objects == nil {
			objects = []backup.Object{}
		}
		return a.out.Print(objects, func(w io.Writer) {
			if len(objects) == 0 {
				fmt.Fprintln(w, "No backups")
				return
			}
			rows := make([][]string, 0, len(objects))
			for _, o := range objects {
				rows = append(rows, []string{o.Key, ui.Bytes(o.Size), ui.Ago(o.LastModified)})
			}
			fmt.Fprintln(w, ui.Table([]string{"Key", "Size", "Uploaded"}, rows))
		})
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(backupCmd)
}
