package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced store entries",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	arrow("Running garbage collection...")
	removed, err := a.install.GC(globalCtx)
	if err != nil {
		return err
	}

	if len(removed) == 0 {
		fmt.Println("No unreferenced store entries to remove.")
		return nil
	}

	for _, key := range removed {
		fmt.Printf("    removed %s\n", shortKey(key))
	}
	arrow("Removed %d store entries", len(removed))
	return nil
}
