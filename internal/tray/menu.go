// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/otpclip/otpclip/internal/agent"
)

// Menu item IDs. Account entries use 1..n; the fixed entries sit at
// the top of the int32 range so account growth can never collide.
const (
	menuRootID      int32 = 0
	menuStatusID    int32 = 0x7FFFFFFC
	menuSeparatorID int32 = 0x7FFFFFFD
	menuUpdateID    int32 = 0x7FFFFFFE
	menuQuitID      int32 = 0x7FFFFFFF
)

const lockedMenuText = "Locked — unlock and press Update"

// Controller is the slice of the agent the menu drives.
type Controller interface {
	Select(index int)
	Update()
	Quit()
}

// layoutNode is the dbusmenu layout structure (ia{sv}av).
type layoutNode struct {
	ID         int32
	Properties map[string]dbus.Variant
	Children   []dbus.Variant
}

// idProperties pairs an item ID with its properties, the element type
// of GetGroupProperties' reply (a(ia{sv})).
type idProperties struct {
	ID         int32
	Properties map[string]dbus.Variant
}

// menu holds the content behind the com.canonical.dbusmenu object:
// the account entries plus the fixed tail (Update, Quit), with an
// optional disabled status line. Content changes bump the revision
// and fire the emit hook, which the tray wires to the LayoutUpdated
// signal.
type menu struct {
	logger     *slog.Logger
	controller Controller

	// emit announces a new layout revision to the menu host. Nil in
	// tests.
	emit func(revision uint32)

	mu         sync.Mutex
	accounts   []string
	statusLine string
	locked     bool
	revision   uint32
}

func newMenu(logger *slog.Logger, controller Controller) *menu {
	return &menu{logger: logger, controller: controller}
}

// setAccounts replaces the account entries.
func (m *menu) setAccounts(labels []string) {
	m.mu.Lock()
	m.accounts = append([]string(nil), labels...)
	revision := m.bump()
	m.mu.Unlock()
	m.announce(revision)
}

// setStatus maps an agent state onto the menu's status line. Locked
// replaces the account list with a hint; a non-empty detail in any
// other state becomes a disabled entry above the accounts.
func (m *menu) setStatus(state agent.State, detail string) {
	m.mu.Lock()
	m.locked = state == agent.StateLocked
	m.statusLine = detail
	revision := m.bump()
	m.mu.Unlock()
	m.announce(revision)
}

// bump advances the revision. Caller holds mu.
func (m *menu) bump() uint32 {
	m.revision++
	return m.revision
}

// announce emits LayoutUpdated outside the lock, on the caller's
// goroutine. All menu mutations come from the agent loop, so
// emissions reach the host in revision order.
func (m *menu) announce(revision uint32) {
	if m.emit != nil {
		m.emit(revision)
	}
}

// entry describes one rendered menu item.
type entry struct {
	id        int32
	label     string
	enabled   bool
	separator bool
}

// entries renders the current menu content in order. Caller holds mu.
func (m *menu) entries() []entry {
	var items []entry
	if m.locked {
		items = append(items, entry{id: menuStatusID, label: lockedMenuText})
	} else {
		if m.statusLine != "" {
			items = append(items, entry{id: menuStatusID, label: m.statusLine})
		}
		for i, label := range m.accounts {
			items = append(items, entry{id: int32(i + 1), label: label, enabled: true})
		}
	}
	items = append(items,
		entry{id: menuSeparatorID, separator: true},
		entry{id: menuUpdateID, label: "Update", enabled: true},
		entry{id: menuQuitID, label: "Quit", enabled: true},
	)
	return items
}

func (e entry) properties() map[string]dbus.Variant {
	if e.separator {
		return map[string]dbus.Variant{
			"type": dbus.MakeVariant("separator"),
		}
	}
	return map[string]dbus.Variant{
		// dbusmenu treats underscores as mnemonic markers; double
		// them so account labels render literally.
		"label":   dbus.MakeVariant(strings.ReplaceAll(e.label, "_", "__")),
		"enabled": dbus.MakeVariant(e.enabled),
	}
}

// GetLayout renders the menu subtree rooted at parentID. The menu is
// a single flat level, so any non-root parent yields an empty node.
func (m *menu) GetLayout(parentID int32, recursionDepth int32, propertyNames []string) (uint32, layoutNode, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root := layoutNode{
		ID: menuRootID,
		Properties: map[string]dbus.Variant{
			"children-display": dbus.MakeVariant("submenu"),
		},
	}
	if parentID == menuRootID && recursionDepth != 0 {
		for _, item := range m.entries() {
			root.Children = append(root.Children, dbus.MakeVariant(layoutNode{
				ID:         item.id,
				Properties: item.properties(),
			}))
		}
	}
	if parentID != menuRootID {
		root.ID = parentID
		root.Properties = map[string]dbus.Variant{}
	}
	return m.revision, root, nil
}

// GetGroupProperties returns the properties for the requested items.
func (m *menu) GetGroupProperties(ids []int32, propertyNames []string) ([]idProperties, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[int32]entry)
	for _, item := range m.entries() {
		byID[item.id] = item
	}

	var result []idProperties
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			result = append(result, idProperties{ID: id, Properties: item.properties()})
		}
	}
	return result, nil
}

// GetProperty returns a single item property.
func (m *menu) GetProperty(id int32, name string) (dbus.Variant, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.entries() {
		if item.id == id {
			if value, ok := item.properties()[name]; ok {
				return value, nil
			}
			break
		}
	}
	return dbus.Variant{}, dbus.MakeFailedError(errUnknownProperty)
}

// Event handles a menu interaction. Only "clicked" acts; clicks on
// the separator or disabled entries are ignored.
func (m *menu) Event(id int32, eventID string, data dbus.Variant, timestamp uint32) *dbus.Error {
	if eventID != "clicked" {
		return nil
	}
	m.mu.Lock()
	accountCount := len(m.accounts)
	locked := m.locked
	m.mu.Unlock()

	switch {
	case id == menuUpdateID:
		m.logger.Debug("menu: update clicked")
		m.controller.Update()
	case id == menuQuitID:
		m.logger.Debug("menu: quit clicked")
		m.controller.Quit()
	case !locked && id >= 1 && int(id) <= accountCount:
		m.logger.Debug("menu: account clicked", "index", id-1)
		m.controller.Select(int(id - 1))
	}
	return nil
}

// EventGroup handles a batch of interactions and reports which item
// IDs were not found.
func (m *menu) EventGroup(events []menuEvent) ([]int32, *dbus.Error) {
	for _, ev := range events {
		if err := m.Event(ev.ID, ev.EventID, ev.Data, ev.Timestamp); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// menuEvent is one element of EventGroup's argument (a(isvu)).
type menuEvent struct {
	ID        int32
	EventID   string
	Data      dbus.Variant
	Timestamp uint32
}

// AboutToShow is called before the host opens the menu. The layout is
// always current, so no update is needed.
func (m *menu) AboutToShow(id int32) (bool, *dbus.Error) {
	return false, nil
}

// AboutToShowGroup is the batch form of AboutToShow.
func (m *menu) AboutToShowGroup(ids []int32) ([]int32, []int32, *dbus.Error) {
	return nil, nil, nil
}

var errUnknownProperty = errors.New("unknown menu item property")
