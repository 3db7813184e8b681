// Package main implements docbulk, a resumable bulk uploader that moves a
// large corpus of PDF documents into a DocumentCloud-compatible service and
// tracks every document's progress in a Postgres ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// command is one docbulk subcommand.
type command struct {
	name    string
	summary string
	// flags registers command-specific flags in addition to the config flags.
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, env *environment, fs *pflag.FlagSet) error
}

var commands = []command{
	{
		name:    "migrate",
		summary: "apply or inspect ledger schema migrations (up, down, reset, status, version)",
		run:     runMigrate,
	},
	{
		name:    "import",
		summary: "load the input CSV into the ledger as pending documents",
		run:     runImport,
	},
	{
		name:    "run",
		summary: "import the manifest (if configured) and upload every pending document",
		flags: func(fs *pflag.FlagSet) {
			fs.Bool("recover", false, "run both recovery passes after the main pass")
		},
		run: runUpload,
	},
	{
		name:    "recover",
		summary: "retry documents whose transfer failed, reconciling remote copies first",
		run:     runRecover,
	},
	{
		name:    "recover-processing",
		summary: "flag documents the remote service failed to process, then retry their processing",
		run:     runRecoverProcessing,
	},
	{
		name:    "status",
		summary: "print document counts per stage status",
		run:     runStatus,
	},
}

func main() {
	os.Exit(Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// Main runs docbulk with args and returns the process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}

	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(stderr, "docbulk: unknown command %q\n\n", args[0])
		usage(stderr)
		return exitUsage
	}

	fs := newFlagSet(cmd, stderr)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	env, err := newEnvironment(ctx, fs, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "docbulk: %v\n", err)
		return exitError
	}
	defer env.Close()

	if err := cmd.run(env.ctx, env, fs); err != nil {
		env.logger.Error("command failed",
			"command", cmd.name,
			"error", err.Error())
		return exitError
	}
	return exitOK
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: docbulk <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-20s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'docbulk <command> --help' for the flags of a command.")
}
