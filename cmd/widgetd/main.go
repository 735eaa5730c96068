// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// widgetd manages Matrix room widgets for a set of logged-in sessions.
//
// "widgetd serve" registers every session in the configuration, follows
// widget state in their rooms, and serves a local HTTP API plus a
// websocket stream of widget changes. The other subcommands perform one
// operation through a single configured session and exit.
//
// Configuration comes from the file named by --config or WIDGETD_CONFIG.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/widgets/lib/process"
	"github.com/bureau-foundation/widgets/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// command is one widgetd subcommand.
type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error
}

var commands = []command{
	{"serve", "serve", "run the HTTP API and observe widget state for every session", runServe},
	{"list", "list ROOM [--type T]... [--not-type T]...", "list live widgets in a room", runList},
	{"create", "create ROOM WIDGET_ID CONTENT_FILE", "create or replace a widget from a JSON/JSONC file", runCreate},
	{"jitsi", "jitsi ROOM [--video]", "add a Jitsi conference widget", runJitsi},
	{"close", "close ROOM WIDGET_ID", "close a widget", runClose},
	{"url", "url ROOM WIDGET_ID", "print a widget URL ready to load", runURL},
	{"token", "token [--invalidate]", "print or invalidate the integration manager token", runToken},
	{"forget", "forget USER_ID", "delete every stored token and widget record of a user", runForget},
}

// globalOptions are the flags every subcommand accepts.
type globalOptions struct {
	configPath string
	session    string
}

func (o *globalOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.configPath, "config", "c", "", "configuration file (default: $WIDGETD_CONFIG)")
	flagSet.StringVarP(&o.session, "session", "s", "", "session to act as, USER_ID or USER_ID|DEVICE_ID (default: the only configured session)")
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		fmt.Fprintf(stdout, "widgetd %s\n", version.Full())
		return nil
	}

	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		ctx, stop := process.SignalContext()
		defer stop()
		var options globalOptions
		return cmd.run(ctx, &options, args[1:], stdout)
	}
	return process.Usage("unknown command %q (run \"widgetd help\")", args[0])
}

// parseFlags parses a subcommand's flags and checks its positional
// argument count.
func parseFlags(flagSet *pflag.FlagSet, options *globalOptions, args []string, positional int) ([]string, error) {
	options.addFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return nil, process.Usage("%s: %v", flagSet.Name(), err)
	}
	rest := flagSet.Args()
	if len(rest) != positional {
		return nil, process.Usage("%s: expected %d argument(s), got %d", flagSet.Name(), positional, len(rest))
	}
	return rest, nil
}

func printUsage(w io.Writer) {
	var builder strings.Builder
	builder.WriteString("widgetd manages Matrix room widgets.\n\nUsage:\n")
	for _, cmd := range commands {
		fmt.Fprintf(&builder, "  widgetd %-44s %s\n", cmd.usage, cmd.summary)
	}
	builder.WriteString("\nEvery command accepts --config FILE and --session USER_ID[|DEVICE_ID].\n")
	io.WriteString(w, builder.String())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
