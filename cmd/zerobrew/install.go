package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var noLinkFlag bool

var installCmd = &cobra.Command{
	Use:   "install <formula>...",
	Short: "Install one or more formulas",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&noLinkFlag, "no-link", false, "install without linking into the prefix")
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	cb := newInstallProgress(quietFlag)

	for _, name := range args {
		arrow("Installing %s...", name)

		plan, err := a.install.Plan(globalCtx, name)
		if err != nil {
			suggestHomebrew(name, err)
			return err
		}

		arrow("Resolving dependencies (%d packages)...", len(plan.Formulas))
		for _, f := range plan.Formulas {
			fmt.Printf("    %s %s\n", f.Name, f.Version)
		}

		if err := a.install.Execute(globalCtx, plan, !noLinkFlag, cb); err != nil {
			suggestHomebrew(name, err)
			return err
		}

		arrow("Installed %s", name)
	}
	return nil
}

// suggestHomebrew matches the CLI's policy of pointing a failed install at
// stock Homebrew as a fallback, since the failure kind's message alone
// doesn't tell the user what to do next.
func suggestHomebrew(formula string, err error) {
	fmt.Println()
	fmt.Println("Note: this package can't be installed with zerobrew.")
	fmt.Printf("      Error: %v\n", err)
	fmt.Println()
	fmt.Println("      Try installing with Homebrew instead:")
	fmt.Printf("      brew install %s\n", formula)
	fmt.Println()
}
