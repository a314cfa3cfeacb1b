// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// otpclip-ctl drives a running otpclip daemon over its control
// socket: inspect status, list accounts, copy a code by label or via
// the interactive fuzzy picker, clear the clipboard, refresh the
// account list, or shut the daemon down.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/otpclip/otpclip/internal/control"
	"github.com/otpclip/otpclip/internal/picker"
	"github.com/otpclip/otpclip/lib/config"
	"github.com/otpclip/otpclip/lib/version"
)

const usage = `usage: otpclip-ctl [flags] <command>

Commands:
  status    show daemon state
  accounts  list account labels
  copy X    publish the code for account X to the clipboard
  pick      choose an account interactively, then copy it
  clear     withdraw the current clipboard offer
  update    refresh the account list from the secret store
  quit      shut the daemon down

Flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		jsonOutput  bool
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to config file")
	pflag.StringVar(&socketPath, "socket", "", "control socket path override")
	pflag.BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if showVersion {
		fmt.Printf("otpclip-ctl %s\n", version.Info())
		return nil
	}

	if socketPath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		socketPath, err = cfg.ControlSocketPath()
		if err != nil {
			return err
		}
	}

	// Styled output only makes sense on a terminal.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		return fmt.Errorf("no command given")
	}

	client := control.NewClient(socketPath)
	printer := printer{json: jsonOutput}

	switch command := args[0]; command {
	case "status":
		response, err := request(client, control.Request{Op: control.OpStatus})
		if err != nil {
			return err
		}
		return printer.status(response.Status)

	case "accounts":
		response, err := request(client, control.Request{Op: control.OpAccounts})
		if err != nil {
			return err
		}
		return printer.accounts(response.Accounts)

	case "copy":
		if len(args) < 2 {
			return fmt.Errorf("copy needs an account label")
		}
		return copyAccount(client, printer, args[1])

	case "pick":
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("pick needs an interactive terminal")
		}
		response, err := request(client, control.Request{Op: control.OpAccounts})
		if err != nil {
			return err
		}
		labels := make([]string, len(response.Accounts))
		for i, account := range response.Accounts {
			labels[i] = account.Label
		}
		if len(labels) == 0 {
			return fmt.Errorf("no accounts available")
		}
		label, err := picker.Run(labels)
		if err != nil {
			return err
		}
		return copyAccount(client, printer, label)

	case "clear":
		if _, err := request(client, control.Request{Op: control.OpClear}); err != nil {
			return err
		}
		return printer.ack("clipboard cleared")

	case "update":
		if _, err := request(client, control.Request{Op: control.OpUpdate}); err != nil {
			return err
		}
		return printer.ack("account refresh requested")

	case "quit":
		if _, err := request(client, control.Request{Op: control.OpQuit}); err != nil {
			return err
		}
		return printer.ack("daemon stopping")

	default:
		pflag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// request performs one round trip and folds a refused response into
// an error.
func request(client *control.Client, req control.Request) (control.Response, error) {
	response, err := client.Do(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("is the daemon running? %w", err)
	}
	if !response.OK {
		return control.Response{}, fmt.Errorf("%s", response.Error)
	}
	return response, nil
}

func copyAccount(client *control.Client, printer printer, label string) error {
	if _, err := request(client, control.Request{Op: control.OpCopy, Account: label}); err != nil {
		return err
	}
	return printer.ack(fmt.Sprintf("offering code for %s", label))
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// printer renders responses for humans or machines.
type printer struct {
	json bool
}

func (p printer) status(status *control.StatusInfo) error {
	if status == nil {
		return fmt.Errorf("daemon sent no status")
	}
	if p.json {
		return p.emitJSON(status)
	}

	fmt.Println(headingStyle.Render("otpclip " + status.Version))
	row := func(name, value string) {
		fmt.Printf("  %s %s\n", keyStyle.Render(name+":"), valueStyle.Render(value))
	}
	row("state", status.State)
	row("unlock", status.UnlockGate)
	row("accounts", fmt.Sprintf("%d", status.AccountCount))
	if status.OfferedLabel != "" {
		row("offering", status.OfferedLabel)
	}
	row("uptime", status.Uptime.Truncate(time.Second).String())
	if status.LastError != "" {
		fmt.Printf("  %s %s\n", keyStyle.Render("last error:"), errorStyle.Render(status.LastError))
	}
	return nil
}

func (p printer) accounts(accounts []control.AccountInfo) error {
	if p.json {
		if accounts == nil {
			accounts = []control.AccountInfo{}
		}
		return p.emitJSON(accounts)
	}
	for _, account := range accounts {
		fmt.Println(valueStyle.Render(account.Label))
	}
	return nil
}

func (p printer) ack(message string) error {
	if p.json {
		return p.emitJSON(map[string]bool{"ok": true})
	}
	fmt.Println(message)
	return nil
}

func (p printer) emitJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
