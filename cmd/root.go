// Package cmd wires the delegate CLI: daemon lifecycle, team and repo
// administration, and the network allowlist. Configuration resolves in
// three layers: built-in defaults, $DELEGATE_HOME/config.yaml, and
// flags bound through viper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/home"
)

var (
	version  = "dev"
	homeFlag string
	cfg      *config.Config
	h        *home.Home
)

var rootCmd = &cobra.Command{
	Use:   "delegate",
	Short: "Orchestrate a team of AI coding agents",
	Long: `Delegate runs a local daemon that coordinates a team of AI agents
working against registered git repositories: task workflow, mailbox
messaging, sandboxed model sessions, and serialized merges.

State lives under $DELEGATE_HOME (default ~/.delegate). Start the
daemon with 'delegate start', then drive it through the CLI or the
HTTP API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "",
		"installation root (default: $DELEGATE_HOME or ~/.delegate)")
	rootCmd.PersistentFlags().String("listen", "",
		"HTTP listen address (default: 127.0.0.1:7777)")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level: debug, info, warn, error")

	_ = viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	var err error
	h, err = home.Resolve(homeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delegate:", err)
		os.Exit(3)
	}
	cfg, err = config.Load(viper.GetViper(), h.Root)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delegate:", err)
		os.Exit(3)
	}
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 generic failure, 2 daemon lifecycle conflict, 3 broken
// configuration or storage.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "delegate:", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeDaemonRunning, errs.CodeDaemonNotRunning:
		return 2
	case errs.CodeMigrationFailed:
		return 3
	}
	if errs.IsKind(err, errs.KindInvariant) {
		return 3
	}
	return 1
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
