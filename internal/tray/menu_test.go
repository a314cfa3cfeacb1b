// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package tray

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/otpclip/otpclip/internal/agent"
	"github.com/otpclip/otpclip/lib/testutil"
)

type fakeController struct {
	selected []int
	updates  int
	quits    int
}

func (f *fakeController) Select(index int) { f.selected = append(f.selected, index) }
func (f *fakeController) Update()          { f.updates++ }
func (f *fakeController) Quit()            { f.quits++ }

func newTestMenu(t *testing.T) (*menu, *fakeController) {
	t.Helper()
	controller := &fakeController{}
	return newMenu(slog.New(slog.NewTextHandler(io.Discard, nil)), controller), controller
}

// layoutIDs flattens the child IDs of a GetLayout reply.
func layoutIDs(t *testing.T, m *menu) []int32 {
	t.Helper()
	_, root, dbusErr := m.GetLayout(menuRootID, -1, nil)
	if dbusErr != nil {
		t.Fatalf("GetLayout failed: %v", dbusErr)
	}
	var ids []int32
	for _, child := range root.Children {
		node, ok := child.Value().(layoutNode)
		if !ok {
			t.Fatalf("child is %T, want layoutNode", child.Value())
		}
		ids = append(ids, node.ID)
	}
	return ids
}

func TestLayoutListsAccountsAndFixedTail(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	m.setAccounts([]string{"work:alice", "github:bob"})

	got := layoutIDs(t, m)
	want := []int32{1, 2, menuSeparatorID, menuUpdateID, menuQuitID}
	if len(got) != len(want) {
		t.Fatalf("layout has %d items, want %d: %v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("item %d has ID %d, want %d", i, got[i], id)
		}
	}
}

func TestLayoutEscapesMnemonicUnderscores(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	m.setAccounts([]string{"my_service:me"})

	_, root, dbusErr := m.GetLayout(menuRootID, -1, nil)
	if dbusErr != nil {
		t.Fatalf("GetLayout failed: %v", dbusErr)
	}
	node := root.Children[0].Value().(layoutNode)
	label := node.Properties["label"].Value().(string)
	if label != "my__service:me" {
		t.Fatalf("label = %q, want underscores doubled", label)
	}
}

func TestLockedStateReplacesAccounts(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	m.setAccounts([]string{"work:alice"})
	m.setStatus(agent.StateLocked, "")

	got := layoutIDs(t, m)
	want := []int32{menuStatusID, menuSeparatorID, menuUpdateID, menuQuitID}
	if len(got) != len(want) {
		t.Fatalf("layout has %d items, want %d: %v", len(got), len(want), got)
	}
	if got[0] != menuStatusID {
		t.Fatalf("first item is %d, want status entry", got[0])
	}

	props, dbusErr := m.GetGroupProperties([]int32{menuStatusID}, nil)
	if dbusErr != nil {
		t.Fatalf("GetGroupProperties failed: %v", dbusErr)
	}
	if enabled := props[0].Properties["enabled"].Value().(bool); enabled {
		t.Fatal("locked status entry should be disabled")
	}
	if label := props[0].Properties["label"].Value().(string); label != lockedMenuText {
		t.Fatalf("status label = %q", label)
	}
}

func TestStatusDetailAppearsAboveAccounts(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	m.setAccounts([]string{"work:alice"})
	m.setStatus(agent.StateReady, "refresh failed: service unreachable")

	got := layoutIDs(t, m)
	if got[0] != menuStatusID || got[1] != 1 {
		t.Fatalf("layout order = %v, want status entry then accounts", got)
	}
}

func TestClickDispatch(t *testing.T) {
	t.Parallel()
	m, controller := newTestMenu(t)
	m.setAccounts([]string{"work:alice", "github:bob"})

	for _, id := range []int32{2, menuUpdateID, menuQuitID} {
		if dbusErr := m.Event(id, "clicked", dbus.Variant{}, 0); dbusErr != nil {
			t.Fatalf("Event(%d) failed: %v", id, dbusErr)
		}
	}
	if len(controller.selected) != 1 || controller.selected[0] != 1 {
		t.Fatalf("selected = %v, want [1]", controller.selected)
	}
	if controller.updates != 1 || controller.quits != 1 {
		t.Fatalf("updates = %d, quits = %d, want 1 each", controller.updates, controller.quits)
	}
}

func TestClickIgnoresInertTargets(t *testing.T) {
	t.Parallel()
	m, controller := newTestMenu(t)
	m.setAccounts([]string{"work:alice"})

	// Separator, out-of-range account, non-click event.
	m.Event(menuSeparatorID, "clicked", dbus.Variant{}, 0)
	m.Event(7, "clicked", dbus.Variant{}, 0)
	m.Event(1, "hovered", dbus.Variant{}, 0)
	if len(controller.selected) != 0 {
		t.Fatalf("selected = %v, want none", controller.selected)
	}
}

func TestAccountClickIgnoredWhileLocked(t *testing.T) {
	t.Parallel()
	m, controller := newTestMenu(t)
	m.setAccounts([]string{"work:alice"})
	m.setStatus(agent.StateLocked, "")

	m.Event(1, "clicked", dbus.Variant{}, 0)
	if len(controller.selected) != 0 {
		t.Fatal("account click while locked should not select")
	}

	// Update stays clickable so the user can recover after unlocking.
	m.Event(menuUpdateID, "clicked", dbus.Variant{}, 0)
	if controller.updates != 1 {
		t.Fatal("update click while locked should dispatch")
	}
}

func TestRevisionAdvancesOnContentChange(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)

	before, _, _ := m.GetLayout(menuRootID, 0, nil)
	m.setAccounts([]string{"work:alice"})
	m.setStatus(agent.StateReady, "")
	after, _, _ := m.GetLayout(menuRootID, 0, nil)
	if after != before+2 {
		t.Fatalf("revision went %d -> %d, want two bumps", before, after)
	}
}

func TestEmitHookFiresPerChange(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	revisions := make(chan uint32, 8)
	m.emit = func(revision uint32) {
		testutil.RequireSend(t, revisions, revision, time.Second, "emitting revision")
	}

	m.setAccounts([]string{"work:alice"})
	if got := testutil.RequireReceive(t, revisions, time.Second, "first revision"); got == 0 {
		t.Fatal("emitted revision should be nonzero")
	}
}

func TestEmissionsArriveInRevisionOrder(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	var emitted []uint32
	m.emit = func(revision uint32) { emitted = append(emitted, revision) }

	m.setAccounts([]string{"work:alice"})
	m.setStatus(agent.StateReady, "refresh failed")
	m.setStatus(agent.StateReady, "")
	m.setAccounts([]string{"work:alice", "github:bob"})

	if len(emitted) != 4 {
		t.Fatalf("got %d emissions, want 4", len(emitted))
	}
	for i, revision := range emitted {
		if revision != uint32(i+1) {
			t.Fatalf("emission %d carried revision %d, want %d: %v", i, revision, i+1, emitted)
		}
	}
}

func TestAboutToShowNeedsNoUpdate(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	needsUpdate, dbusErr := m.AboutToShow(menuRootID)
	if dbusErr != nil {
		t.Fatalf("AboutToShow failed: %v", dbusErr)
	}
	if needsUpdate {
		t.Fatal("AboutToShow should report no pending update")
	}
}

func TestGetPropertyUnknownItem(t *testing.T) {
	t.Parallel()
	m, _ := newTestMenu(t)
	if _, dbusErr := m.GetProperty(42, "label"); dbusErr == nil {
		t.Fatal("expected error for unknown item")
	}
}
