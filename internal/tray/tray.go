// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package tray presents the agent in the desktop status area. It
// exports a StatusNotifierItem and a com.canonical.dbusmenu object on
// the session bus and registers with org.kde.StatusNotifierWatcher.
// The menu lists one entry per account plus Update and Quit; clicks
// are forwarded to the agent. A missing watcher is tolerated: the
// agent keeps working without a visible icon and registration is
// retried on the next account refresh.
package tray

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/otpclip/otpclip/internal/agent"
)

const (
	itemPath = dbus.ObjectPath("/StatusNotifierItem")
	menuPath = dbus.ObjectPath("/MenuBar")

	itemInterface = "org.kde.StatusNotifierItem"
	menuInterface = "com.canonical.dbusmenu"

	watcherName      = "org.kde.StatusNotifierWatcher"
	watcherPath      = dbus.ObjectPath("/StatusNotifierWatcher")
	watcherInterface = "org.kde.StatusNotifierWatcher"
)

// Tray is the status-area presenter. It satisfies agent.Presenter.
type Tray struct {
	logger *slog.Logger
	conn   *dbus.Conn
	menu   *menu

	mu         sync.Mutex
	registered bool
}

// tooltip is the StatusNotifierItem ToolTip structure (sa(iiay)ss).
type tooltip struct {
	IconName    string
	IconPixmaps []iconPixmap
	Title       string
	Description string
}

type iconPixmap struct {
	Width  int32
	Height int32
	Data   []byte
}

// New exports the item and menu objects on conn and attempts watcher
// registration. conn must be a connected session bus. The returned
// Tray is usable even when no watcher is running.
func New(logger *slog.Logger, conn *dbus.Conn, title, iconName string, controller Controller) (*Tray, error) {
	t := &Tray{
		logger: logger,
		conn:   conn,
		menu:   newMenu(logger, controller),
	}
	t.menu.emit = t.emitLayoutUpdated

	if err := conn.Export(t.menu, menuPath, menuInterface); err != nil {
		return nil, fmt.Errorf("exporting menu: %w", err)
	}
	if err := conn.Export(sniMethods{}, itemPath, itemInterface); err != nil {
		return nil, fmt.Errorf("exporting status item: %w", err)
	}

	menuProps := map[string]*prop.Prop{
		"Version":       {Value: uint32(3), Emit: prop.EmitFalse},
		"Status":        {Value: "normal", Emit: prop.EmitFalse},
		"TextDirection": {Value: "ltr", Emit: prop.EmitFalse},
	}
	if _, err := prop.Export(conn, menuPath, prop.Map{menuInterface: menuProps}); err != nil {
		return nil, fmt.Errorf("exporting menu properties: %w", err)
	}

	itemProps := map[string]*prop.Prop{
		"Category":   {Value: "ApplicationStatus", Emit: prop.EmitFalse},
		"Id":         {Value: "otpclip", Emit: prop.EmitFalse},
		"Title":      {Value: title, Emit: prop.EmitFalse},
		"Status":     {Value: "Active", Emit: prop.EmitFalse},
		"WindowId":   {Value: uint32(0), Emit: prop.EmitFalse},
		"IconName":   {Value: iconName, Emit: prop.EmitFalse},
		"ItemIsMenu": {Value: true, Emit: prop.EmitFalse},
		"Menu":       {Value: menuPath, Emit: prop.EmitFalse},
		"ToolTip": {
			Value: tooltip{IconName: iconName, Title: title},
			Emit:  prop.EmitFalse,
		},
	}
	if _, err := prop.Export(conn, itemPath, prop.Map{itemInterface: itemProps}); err != nil {
		return nil, fmt.Errorf("exporting item properties: %w", err)
	}

	t.register()
	return t, nil
}

// SetAccounts implements agent.Presenter. It also retries watcher
// registration, so a watcher started after the agent picks the icon
// up on the next refresh.
func (t *Tray) SetAccounts(labels []string) {
	t.menu.setAccounts(labels)
	t.register()
}

// SetStatus implements agent.Presenter.
func (t *Tray) SetStatus(state agent.State, detail string) {
	t.menu.setStatus(state, detail)
}

// register announces the item to the watcher. Failure is logged and
// left for a later retry.
func (t *Tray) register() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registered {
		return
	}
	watcher := t.conn.Object(watcherName, watcherPath)
	call := watcher.Call(watcherInterface+".RegisterStatusNotifierItem", 0, t.conn.Names()[0])
	if call.Err != nil {
		t.logger.Warn("tray: status notifier watcher unavailable", "error", call.Err)
		return
	}
	t.registered = true
	t.logger.Info("tray: registered with status notifier watcher")
}

// emitLayoutUpdated signals the menu host that the layout changed.
func (t *Tray) emitLayoutUpdated(revision uint32) {
	err := t.conn.Emit(menuPath, menuInterface+".LayoutUpdated", revision, menuRootID)
	if err != nil {
		t.logger.Warn("tray: emitting layout update", "error", err)
	}
}

// sniMethods carries the StatusNotifierItem activation methods. The
// item is menu-only (ItemIsMenu), so hosts open the menu themselves
// and these are no-ops kept for hosts that call them anyway.
type sniMethods struct{}

func (sniMethods) Activate(x, y int32) *dbus.Error          { return nil }
func (sniMethods) SecondaryActivate(x, y int32) *dbus.Error { return nil }
func (sniMethods) ContextMenu(x, y int32) *dbus.Error       { return nil }
func (sniMethods) Scroll(delta int32, orientation string) *dbus.Error {
	return nil
}
