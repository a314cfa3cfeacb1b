// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// The otpclip daemon holds TOTP seeds at arm's length: it reads them
// from the desktop secret store, computes codes on demand, and
// publishes the codes to the Wayland clipboard. Users drive it from
// the tray menu or through otpclip-ctl over the control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"github.com/otpclip/otpclip/internal/agent"
	"github.com/otpclip/otpclip/internal/control"
	"github.com/otpclip/otpclip/internal/datactl"
	"github.com/otpclip/otpclip/internal/secretstore"
	"github.com/otpclip/otpclip/internal/totp"
	"github.com/otpclip/otpclip/internal/tray"
	"github.com/otpclip/otpclip/internal/wire"
	"github.com/otpclip/otpclip/lib/clock"
	"github.com/otpclip/otpclip/lib/config"
	"github.com/otpclip/otpclip/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to config file (default: $OTPCLIP_CONFIG, then XDG location)")
	pflag.StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	pflag.StringVar(&logFormat, "log-format", "", "log format override: json or text")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("otpclip %s\n", version.Full())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version.Info())

	// Secret store first: without it there is nothing to serve.
	busConn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connecting to session bus: %w", err)
	}
	defer busConn.Close()

	if err := secretstore.WaitForService(ctx, logger, busConn); err != nil {
		return err
	}
	store, err := secretstore.Open(ctx, logger, busConn, secretstore.Config{
		Collection: cfg.Store.Collection,
		Schema:     cfg.Store.Schema,
		Session:    cfg.Store.Session,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// Compositor connection and the clipboard service on top of it.
	wireConn, err := wire.Dial(logger, cfg.Clipboard.Display,
		wire.WithMaxMessageSize(cfg.Clipboard.MaxMessageSize))
	if err != nil {
		return err
	}
	defer wireConn.Close()

	clipboard := datactl.NewService(logger, wireConn)
	clipboardResult := make(chan error, 1)
	go func() {
		clipboardResult <- clipboard.Run(ctx)
	}()
	select {
	case <-clipboard.Ready():
	case err := <-clipboardResult:
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("clipboard service: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	// The agent needs a presenter at construction, while the tray
	// needs the agent to route menu clicks. The holder breaks the
	// cycle: the agent talks to it from the start, the tray is
	// slotted in once built.
	presenter := &presenterHolder{current: agent.NopPresenter{}}
	otpAgent := agent.New(logger, clock.Real(), store, totp.Generator{}, clipboard, presenter)

	if cfg.Tray.Enabled {
		trayItem, err := tray.New(logger, busConn, cfg.Tray.Title, cfg.Tray.Icon, otpAgent)
		if err != nil {
			return fmt.Errorf("exporting tray: %w", err)
		}
		presenter.set(trayItem)
	}

	socketPath, err := cfg.ControlSocketPath()
	if err != nil {
		return err
	}
	controlServer, err := control.NewServer(logger, socketPath, otpAgent, version.Short())
	if err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			return fmt.Errorf("another otpclip instance is already running on %s", socketPath)
		}
		return err
	}
	go controlServer.Serve(ctx)

	// A clipboard failure after startup takes the agent down with it.
	go func() {
		if err := <-clipboardResult; err != nil {
			otpAgent.Fatal(err)
		}
	}()

	if err := otpAgent.Run(ctx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// presenterHolder is an agent.Presenter that starts as NopPresenter
// and forwards to the tray once one exists.
type presenterHolder struct {
	mu      sync.Mutex
	current agent.Presenter
}

func (h *presenterHolder) set(p agent.Presenter) {
	h.mu.Lock()
	h.current = p
	h.mu.Unlock()
}

func (h *presenterHolder) SetAccounts(labels []string) {
	h.mu.Lock()
	p := h.current
	h.mu.Unlock()
	p.SetAccounts(labels)
}

func (h *presenterHolder) SetStatus(state agent.State, detail string) {
	h.mu.Lock()
	p := h.current
	h.mu.Unlock()
	p.SetStatus(state, detail)
}
