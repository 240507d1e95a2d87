package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/snapshot"
)

var snapshotsCmd = &cobra.Command{
	Use:     "snapshots [path]",
	Aliases: []string{"snaps"},
	Short:   "List retained snapshots",
	Long: `List retained snapshots, newest first. With a path argument, only
that file's undo stack is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshots,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
}

// openSnapshotStore opens the snapshot manager under the configured
// data directory.
func openSnapshotStore() (*snapshot.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errx.Wrap(ErrCreateDataDir, err)
	}

	retain := 0
	if cfg.Snapshots != nil {
		retain = cfg.Snapshots.RetainPerPath
	}
	snaps, err := snapshot.Open(snapshot.Options{
		DBPath:  filepath.Join(dataDir, snapshotDBFile),
		BlobDir: filepath.Join(dataDir, blobDirName),
		Retain:  retain,
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenSnapshots, err)
	}
	return snaps, nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	snaps, err := openSnapshotStore()
	if err != nil {
		return err
	}
	defer snaps.Close()

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	list, err := snaps.List(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tCAPTURED\tMODE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Path, s.CapturedAt.Format("2006-01-02 15:04:05"), s.Mode)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
