package main

import (
	"fmt"
	"os"

	"github.com/zerobrew/zerobrew/internal/progress"
)

// newInstallProgress renders pipeline events to stderr as a flat, one
// line per transition log. quiet suppresses everything but Skipped,
// which the caller always wants visible.
func newInstallProgress(quiet bool) progress.Callback {
	return func(e progress.Event) {
		switch e.Kind {
		case progress.DownloadStarted:
			if !quiet {
				fmt.Fprintf(os.Stderr, "    %s downloading...\n", e.Name)
			}
		case progress.UnpackStarted:
			if !quiet {
				fmt.Fprintf(os.Stderr, "    %s unpacking...\n", e.Name)
			}
		case progress.LinkStarted:
			if !quiet {
				fmt.Fprintf(os.Stderr, "    %s linking...\n", e.Name)
			}
		case progress.LinkCompleted:
			if !quiet {
				fmt.Fprintf(os.Stderr, "    %s linked\n", e.Name)
			}
		case progress.Skipped:
			fmt.Fprintf(os.Stderr, "    %s skipped (already provided by Homebrew)\n", e.Name)
		case progress.InstallCompleted:
			if !quiet {
				fmt.Fprintf(os.Stderr, "    %s installed\n", e.Name)
			}
		}
	}
}

func arrow(format string, args ...any) {
	fmt.Printf("==> "+format+"\n", args...)
}
