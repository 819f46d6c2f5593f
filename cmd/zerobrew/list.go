package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed formulas",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	kegs, err := a.install.ListInstalled(globalCtx)
	if err != nil {
		return err
	}

	if len(kegs) == 0 {
		fmt.Println("No formulas installed.")
		return nil
	}
	for _, keg := range kegs {
		fmt.Printf("%s %s\n", keg.Name, keg.Version)
	}
	return nil
}
