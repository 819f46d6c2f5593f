package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerobrew/zerobrew/internal/resolve"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall [formula]",
	Short: "Uninstall a formula, or every installed formula if none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUninstall,
}

func runUninstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		name, err := resolve.NormalizeFormulaName(args[0])
		if err != nil {
			return err
		}
		arrow("Uninstalling %s...", name)
		if err := a.install.Uninstall(globalCtx, name); err != nil {
			return err
		}
		arrow("Uninstalled %s", name)
		return nil
	}

	kegs, err := a.install.ListInstalled(globalCtx)
	if err != nil {
		return err
	}
	if len(kegs) == 0 {
		fmt.Println("No formulas installed.")
		return nil
	}

	arrow("Uninstalling %d packages...", len(kegs))
	for _, keg := range kegs {
		fmt.Printf("    %s...", keg.Name)
		if err := a.install.Uninstall(globalCtx, keg.Name); err != nil {
			fmt.Println()
			return err
		}
		fmt.Println(" done")
	}
	arrow("Uninstalled all packages")
	return nil
}
