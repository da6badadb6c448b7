package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata" // embedded zone database for TIMEZONE

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "scratcha",
		Short:         "Pre-generated scratch CAPTCHA pool",
		Long:          "scratcha generates challenges ahead of time and serves them from a pool.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startServer(cmd.Context(), stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newServeCommand(stderr))
	root.AddCommand(newGenerateCommand(stdout))
	root.AddCommand(newStatusCommand(stdout))
	root.AddCommand(newReclaimCommand(stdout))
	root.AddCommand(newHealthCommand(stdout))
	return root
}

func newServeCommand(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the HTTP API and the background pool workers (default)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startServer(cmd.Context(), stderr)
		},
	}
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}
