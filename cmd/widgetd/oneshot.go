// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/messaging"
	"github.com/bureau-foundation/widgets/tokencache"
	"github.com/bureau-foundation/widgets/widget"
)

// withSession builds the app, picks the session, and runs fn.
func withSession(ctx context.Context, options *globalOptions, fn func(a *app, session messaging.Session) error) error {
	a, err := newApp(ctx, options)
	if err != nil {
		return err
	}
	defer a.Close()
	session, err := a.session(options.session)
	if err != nil {
		return err
	}
	return fn(a, session)
}

func runList(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	var types, notTypes []string
	var asJSON bool
	flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
	flagSet.StringArrayVar(&types, "type", nil, "only widgets of this type (repeatable)")
	flagSet.StringArrayVar(&notTypes, "not-type", nil, "skip widgets of this type (repeatable)")
	flagSet.BoolVar(&asJSON, "json", false, "print JSON")
	rest, err := parseFlags(flagSet, options, args, 1)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(rest[0])
	if err != nil {
		return err
	}

	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		widgets, err := a.manager.Widgets(ctx, session, roomID, types, notTypes)
		if err != nil {
			return err
		}
		if asJSON {
			encoder := json.NewEncoder(stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(widgets)
		}
		return printWidgets(stdout, widgets)
	})
}

func printWidgets(w io.Writer, widgets []widget.Widget) error {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "ID\tTYPE\tNAME\tCREATOR\tURL")
	for _, item := range widgets {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n", item.ID(), item.Type(), item.Name(), item.Creator(), item.URL())
	}
	return table.Flush()
}

// readContentFile reads widget content from a JSON or JSONC file ("-"
// for stdin). Comments and trailing commas are stripped.
func readContentFile(path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	content := json.RawMessage(jsonc.ToJSON(data))
	if !json.Valid(content) {
		return nil, fmt.Errorf("%s: not valid JSON after removing comments", path)
	}
	return content, nil
}

func runCreate(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
	rest, err := parseFlags(flagSet, options, args, 3)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(rest[0])
	if err != nil {
		return err
	}
	content, err := readContentFile(rest[2])
	if err != nil {
		return err
	}
	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		created, err := a.manager.CreateWidget(ctx, session, roomID, rest[1], content)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "created %s (%s) in %s\n", created.ID(), created.Type(), roomID)
		return nil
	})
}

func runJitsi(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	var video bool
	flagSet := pflag.NewFlagSet("jitsi", pflag.ContinueOnError)
	flagSet.BoolVar(&video, "video", false, "video conference (default: audio only)")
	rest, err := parseFlags(flagSet, options, args, 1)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(rest[0])
	if err != nil {
		return err
	}
	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		created, err := a.manager.CreateJitsiWidget(ctx, session, roomID, video)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "created %s in %s\n", created.ID(), roomID)
		return nil
	})
}

func runClose(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("close", pflag.ContinueOnError)
	rest, err := parseFlags(flagSet, options, args, 2)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(rest[0])
	if err != nil {
		return err
	}
	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		if err := a.manager.CloseWidget(ctx, session, roomID, rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "closed %s in %s\n", rest[1], roomID)
		return nil
	})
}

func runURL(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("url", pflag.ContinueOnError)
	rest, err := parseFlags(flagSet, options, args, 2)
	if err != nil {
		return err
	}
	roomID, err := ref.ParseRoomID(rest[0])
	if err != nil {
		return err
	}
	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		widgets, err := a.manager.Widgets(ctx, session, roomID, nil, nil)
		if err != nil {
			return err
		}
		for _, candidate := range widgets {
			if candidate.ID() == rest[1] {
				resolved, err := a.manager.WidgetURL(ctx, session, candidate)
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, resolved)
				return nil
			}
		}
		return fmt.Errorf("no live widget %q in %s", rest[1], roomID)
	})
}

func runToken(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	var invalidate bool
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.BoolVar(&invalidate, "invalidate", false, "discard the cached and stored token instead of printing it")
	if _, err := parseFlags(flagSet, options, args, 0); err != nil {
		return err
	}
	return withSession(ctx, options, func(a *app, session messaging.Session) error {
		if invalidate {
			return a.manager.InvalidateToken(ctx, messaging.SessionIDOf(session))
		}
		token, err := a.tokens.GetToken(ctx, session)
		if err != nil {
			return err
		}
		a.logger.Info("integration token", "session_id", messaging.SessionIDOf(session), "token", tokencache.Fingerprint(token))
		fmt.Fprintln(stdout, token)
		return nil
	})
}

func runForget(ctx context.Context, options *globalOptions, args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("forget", pflag.ContinueOnError)
	rest, err := parseFlags(flagSet, options, args, 1)
	if err != nil {
		return err
	}
	userID, err := ref.ParseUserID(rest[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(options.configPath)
	if err != nil {
		return err
	}
	// Forgetting must work for users whose sessions no longer log in,
	// so only the token store is opened.
	store, err := openTokenStore(cfg, discardLogger())
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintln(stdout, "no token database configured; nothing stored")
		return nil
	}
	defer store.Close()
	if err := store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "forgot %s\n", userID)
	return nil
}
