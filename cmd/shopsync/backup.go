package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shopsmart/shopsync/internal/snapshot"
	"github.com/shopsmart/shopsync/internal/store"
	"github.com/shopsmart/shopsync/internal/worker"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the offline database",
	Long: "Write a consistent copy of the offline database to the backup directory " +
		"and upload it when a bucket is configured.",
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	path, err := worker.NewBackupWorker(st, uploader, cfg.Backup.Dir, 0).Backup(ctx)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}

	location, err := uploader.Location()
	if errors.Is(err, snapshot.ErrNotConfigured) {
		location = ""
	} else if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"path":     path,
			"bytes":    info.Size(),
			"location": location,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backup written to %s (%s)\n", path, formatSize(info.Size()))
	if location != "" {
		fmt.Fprintf(out, "Uploaded to %s\n", location)
	}
	return nil
}
