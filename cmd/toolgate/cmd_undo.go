package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var undoCmd = &cobra.Command{
	Use:   "undo <path>",
	Short: "Restore a file to its most recent snapshot",
	Long: `Restore a file to its most recent retained snapshot and pop that
snapshot from the undo stack. Running undo again steps one mutation
further back. The path must be the one the mutation used.`,
	Args: cobra.ExactArgs(1),
	RunE: runUndo,
}

func init() {
	rootCmd.AddCommand(undoCmd)
}

func runUndo(cmd *cobra.Command, args []string) error {
	snaps, err := openSnapshotStore()
	if err != nil {
		return err
	}
	defer snaps.Close()

	path := filepath.Clean(args[0])
	if err := snaps.Undo(path); err != nil {
		return err
	}
	fmt.Printf("Restored %s\n", path)
	return nil
}
