// Command zerobrew installs Homebrew-compatible bottles directly from the
// registry, bypassing a local Homebrew checkout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerobrew/zerobrew/internal/log"
)

var (
	rootFlag           string
	prefixFlag         string
	concurrencyFlag    int64
	homebrewCellarFlag string
	configFlag         string

	quietFlag   bool
	verboseFlag bool
	debugFlag   bool
)

// globalCtx is canceled on SIGINT/SIGTERM; commands use it for
// cancellable operations.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "zerobrew",
	Short: "A fast, Homebrew-compatible bottle installer",
	Long: `zerobrew installs pre-built Homebrew bottles straight from the
registry into a self-contained prefix, deduplicating downloads and
extracted trees by content hash instead of shelling out to brew.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "root directory for cache/store/db (default: platform-specific)")
	rootCmd.PersistentFlags().StringVar(&prefixFlag, "prefix", "", "install prefix (default: platform-specific)")
	rootCmd.PersistentFlags().Int64Var(&concurrencyFlag, "concurrency", 0, "maximum simultaneous downloads")
	rootCmd.PersistentFlags().StringVar(&homebrewCellarFlag, "homebrew-cellar", "", `host Homebrew Cellar to defer to; pass "" to disable the check`)
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config.toml")

	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "show debug output")

	rootCmd.PersistentPreRun = initLogger

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(gcCmd)
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s, canceling operation...\n", sig)
		globalCancel()

		<-sigChan
		fmt.Fprintln(os.Stderr, "Forced exit")
		os.Exit(ExitGeneral)
	}()

	if err := rootCmd.Execute(); err != nil {
		if globalCtx.Err() == context.Canceled {
			os.Exit(ExitGeneral)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitGeneral)
	}
}

// initLogger wires the global logger from verbosity flags before any
// subcommand runs.
func initLogger(cmd *cobra.Command, args []string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: determineLogLevel()})
	log.SetDefault(log.New(handler))
}

// determineLogLevel applies flags over the ZEROBREW_* environment
// variables, defaulting to WARN.
func determineLogLevel() slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	if verboseFlag {
		return slog.LevelInfo
	}
	if quietFlag {
		return slog.LevelError
	}

	if isTruthy(os.Getenv("ZEROBREW_DEBUG")) {
		return slog.LevelDebug
	}
	if isTruthy(os.Getenv("ZEROBREW_VERBOSE")) {
		return slog.LevelInfo
	}
	if isTruthy(os.Getenv("ZEROBREW_QUIET")) {
		return slog.LevelError
	}
	return slog.LevelWarn
}

func isTruthy(s string) bool {
	s = strings.ToLower(s)
	return s == "1" || s == "true" || s == "yes" || s == "on"
}
