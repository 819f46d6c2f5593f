package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerobrew/zerobrew/internal/resolve"
)

var infoCmd = &cobra.Command{
	Use:   "info <formula>",
	Short: "Show details about an installed formula",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	name, err := resolve.NormalizeFormulaName(args[0])
	if err != nil {
		return err
	}
	keg, ok, err := a.install.GetInstalled(globalCtx, name)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("Formula %q is not installed.\n", name)
		return nil
	}

	fmt.Printf("Name:       %s\n", keg.Name)
	fmt.Printf("Version:    %s\n", keg.Version)
	fmt.Printf("Store key:  %s\n", shortKey(keg.StoreKey))
	fmt.Printf("Installed:  %s\n", keg.InstalledAt.Format("2006-01-02 15:04:05"))
	return nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
