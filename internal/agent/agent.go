// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the coordinator between the secret store, the code
// generator, the clipboard service, and the frontends. It runs a
// single event loop: tray clicks, control-socket requests, and fatal
// clipboard errors all arrive as posted events and are processed one
// at a time, so no two state transitions ever overlap.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpclip/otpclip/internal/datactl"
	"github.com/otpclip/otpclip/internal/secretstore"
	"github.com/otpclip/otpclip/internal/totp"
	"github.com/otpclip/otpclip/lib/clock"
	"github.com/otpclip/otpclip/lib/secretbuf"
)

// State is the agent's coarse lifecycle position.
type State int

const (
	StateIdle State = iota
	StateUnlocking
	StateEnumerating
	StateReady
	StateServing
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUnlocking:
		return "unlocking"
	case StateEnumerating:
		return "enumerating"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// UnlockGate records the single-attempt unlock policy. Transitions
// run strictly forward: once the attempt failed permanently, no code
// path prompts again for the life of the process. Recovery from
// Locked goes through an external unlock plus the Update action,
// which re-enumerates without touching the gate.
type UnlockGate int

const (
	UnlockNotAttempted UnlockGate = iota
	UnlockInFlight
	UnlockSucceeded
	UnlockFailedPermanently
)

func (g UnlockGate) String() string {
	switch g {
	case UnlockNotAttempted:
		return "not-attempted"
	case UnlockInFlight:
		return "in-flight"
	case UnlockSucceeded:
		return "succeeded"
	case UnlockFailedPermanently:
		return "failed-permanently"
	default:
		return fmt.Sprintf("UnlockGate(%d)", int(g))
	}
}

// ErrUnknownAccount is returned for a selection naming no current
// account.
var ErrUnknownAccount = errors.New("agent: no such account")

// ErrNotRunning means the agent loop has exited and takes no more
// events.
var ErrNotRunning = errors.New("agent: not running")

// SecretStore is the store surface the agent consumes. The production
// implementation is internal/secretstore; tests inject fakes.
type SecretStore interface {
	// EnsureUnlocked unlocks the collection, prompting the user at
	// most once. The agent calls it exactly once per process.
	EnsureUnlocked(ctx context.Context) (secretstore.UnlockOutcome, error)

	// Entries lists the validated accounts, sorted by label. Returns
	// secretstore.ErrCollectionLocked while the collection is locked.
	Entries(ctx context.Context) ([]secretstore.Entry, error)

	// ReadSeed fetches one entry's seed descriptor. The caller owns
	// the buffer.
	ReadSeed(ctx context.Context, ref secretstore.ItemRef) (*secretbuf.Buffer, error)
}

// Computer turns a seed descriptor into a code. It consumes the
// buffer.
type Computer interface {
	CodeAt(uri *secretbuf.Buffer, at time.Time) (totp.Code, error)
}

// Clipboard is the publication surface of the clipboard service.
type Clipboard interface {
	Publish(offer datactl.Offer) error
	Clear() error

	// Current is the label of the live offer, empty when nothing is
	// offered. The service owns this: a peer cancellation empties it
	// without the agent hearing about it.
	Current() string
}

// Presenter receives account and status updates for display. Calls
// arrive on the agent goroutine and must not block.
type Presenter interface {
	SetAccounts(labels []string)
	SetStatus(state State, detail string)
}

// NopPresenter discards all updates. Stands in before the tray is
// wired, and throughout when the tray is disabled.
type NopPresenter struct{}

func (NopPresenter) SetAccounts([]string)    {}
func (NopPresenter) SetStatus(State, string) {}

// Snapshot is a point-in-time copy of the agent's observable state.
type Snapshot struct {
	State        State
	Gate         UnlockGate
	Accounts     []string
	OfferedLabel string
	LastError    string
	StartedAt    time.Time
}

type eventKind int

const (
	eventSelectIndex eventKind = iota
	eventSelectLabel
	eventUpdate
	eventClear
	eventQuit
	eventQuery
	eventFatal
)

type event struct {
	kind  eventKind
	index int
	label string
	err   error

	// reply, when non-nil, receives the outcome of the event. Always
	// buffered so the loop never blocks replying.
	reply chan reply
}

type reply struct {
	err      error
	snapshot Snapshot
}

// Agent is the orchestration state machine. Construct with New, drive
// with Run, talk to it through the posting methods from any
// goroutine.
type Agent struct {
	logger    *slog.Logger
	clock     clock.Clock
	store     SecretStore
	computer  Computer
	clipboard Clipboard
	presenter Presenter

	events chan event
	done   chan struct{}

	// Loop-goroutine state.
	state     State
	gate      UnlockGate
	accounts  []secretstore.Entry
	lastError string
	startedAt time.Time
}

// New wires an agent. presenter may be NopPresenter but not nil.
func New(logger *slog.Logger, clk clock.Clock, store SecretStore, computer Computer, clipboard Clipboard, presenter Presenter) *Agent {
	return &Agent{
		logger:    logger,
		clock:     clk,
		store:     store,
		computer:  computer,
		clipboard: clipboard,
		presenter: presenter,
		events:    make(chan event),
		done:      make(chan struct{}),
		state:     StateIdle,
		gate:      UnlockNotAttempted,
	}
}

// Select posts a selection by menu index.
func (a *Agent) Select(index int) {
	a.post(event{kind: eventSelectIndex, index: index})
}

// Copy posts a selection by exact label and reports its outcome.
func (a *Agent) Copy(label string) error {
	return a.postWait(event{kind: eventSelectLabel, label: label})
}

// Update posts a re-enumeration request.
func (a *Agent) Update() {
	a.post(event{kind: eventUpdate})
}

// Clear posts a clipboard clear and reports its outcome.
func (a *Agent) Clear() error {
	return a.postWait(event{kind: eventClear})
}

// Quit asks the loop to exit cleanly.
func (a *Agent) Quit() {
	a.post(event{kind: eventQuit})
}

// Fatal hands the loop an unrecoverable error; Run returns it.
func (a *Agent) Fatal(err error) {
	a.post(event{kind: eventFatal, err: err})
}

// Snapshot returns the agent's current observable state.
func (a *Agent) Snapshot() Snapshot {
	replyCh := make(chan reply, 1)
	select {
	case a.events <- event{kind: eventQuery, reply: replyCh}:
	case <-a.done:
		return Snapshot{}
	}
	select {
	case r := <-replyCh:
		return r.snapshot
	case <-a.done:
		return Snapshot{}
	}
}

func (a *Agent) post(ev event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Agent) postWait(ev event) error {
	ev.reply = make(chan reply, 1)
	select {
	case a.events <- ev:
	case <-a.done:
		return ErrNotRunning
	}
	select {
	case r := <-ev.reply:
		return r.err
	case <-a.done:
		return ErrNotRunning
	}
}

// Run drives the state machine until Quit, a fatal event, or ctx
// cancellation. The unlock attempt happens exactly once, here at
// startup; every later transition is event-driven.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	a.startedAt = a.clock.Now()

	if err := a.unlockOnce(ctx); err != nil {
		return err
	}
	if a.state != StateLocked {
		a.enumerate(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping", "reason", "context cancelled")
			return nil
		case ev := <-a.events:
			switch ev.kind {
			case eventSelectIndex:
				if ev.index < 0 || ev.index >= len(a.accounts) {
					a.logger.Warn("selection index out of range", "index", ev.index)
					continue
				}
				a.serve(ctx, a.accounts[ev.index])
			case eventSelectLabel:
				entry, found := a.findAccount(ev.label)
				if !found {
					ev.reply <- reply{err: fmt.Errorf("%w: %q", ErrUnknownAccount, ev.label)}
					continue
				}
				ev.reply <- reply{err: a.serve(ctx, entry)}
			case eventUpdate:
				a.enumerate(ctx)
			case eventClear:
				err := a.clipboard.Clear()
				if err != nil {
					a.logger.Warn("clearing clipboard", "error", err)
				}
				ev.reply <- reply{err: err}
			case eventQuit:
				a.logger.Info("agent stopping", "reason", "quit requested")
				return nil
			case eventFatal:
				a.logger.Error("agent stopping", "error", ev.err)
				return ev.err
			case eventQuery:
				ev.reply <- reply{snapshot: a.snapshot()}
			}
		}
	}
}

// unlockOnce performs the process's single unlock attempt. Every
// outcome moves the gate strictly forward; there is no path back to
// another prompt.
func (a *Agent) unlockOnce(ctx context.Context) error {
	a.setState(StateUnlocking, "")
	a.gate = UnlockInFlight

	outcome, err := a.store.EnsureUnlocked(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.gate = UnlockFailedPermanently
		a.logger.Warn("unlock attempt failed", "error", err)
		a.setState(StateLocked, "unlock failed: "+err.Error())
		return nil
	}
	if outcome == secretstore.UnlockDismissed {
		a.gate = UnlockFailedPermanently
		a.setState(StateLocked, "unlock declined")
		return nil
	}
	a.gate = UnlockSucceeded
	a.logger.Info("secret store unlocked", "outcome", outcome.String())
	return nil
}

// enumerate refreshes the account list. It never prompts: while the
// collection is locked it lands in StateLocked, and an external
// unlock plus another Update recovers. Transient store errors leave
// the previous account list standing.
func (a *Agent) enumerate(ctx context.Context) {
	a.setState(StateEnumerating, "")

	entries, err := a.store.Entries(ctx)
	switch {
	case errors.Is(err, secretstore.ErrCollectionLocked):
		a.setState(StateLocked, "collection is locked")
		return
	case err != nil:
		a.lastError = err.Error()
		a.logger.Warn("enumerating accounts", "error", err)
		// Keep serving what we had, possibly nothing. Locked is
		// reserved for a locked collection; a store hiccup shows up
		// as the status detail instead.
		a.setState(StateReady, "update failed: "+err.Error())
		return
	}

	a.accounts = entries
	a.lastError = ""
	labels := make([]string, len(entries))
	for i, entry := range entries {
		labels[i] = entry.Label
	}
	a.presenter.SetAccounts(labels)
	a.setState(StateReady, "")
	a.logger.Info("accounts enumerated", "count", len(entries))
}

// serve computes the selected account's current code and publishes
// it. The seed is re-fetched, used, and wiped within this call; only
// the short-lived code string survives, inside the offer's provider.
func (a *Agent) serve(ctx context.Context, entry secretstore.Entry) error {
	a.setState(StateServing, "")
	err := a.serveEntry(ctx, entry)
	if err != nil {
		a.lastError = err.Error()
		a.logger.Warn("serving selection", "label", entry.Label, "error", err)
		if errors.Is(err, secretstore.ErrCollectionLocked) {
			a.setState(StateLocked, "collection is locked")
		} else {
			a.setState(StateReady, "copy failed: "+err.Error())
		}
		return err
	}
	a.setState(StateReady, "")
	return nil
}

func (a *Agent) serveEntry(ctx context.Context, entry secretstore.Entry) error {
	seed, err := a.store.ReadSeed(ctx, entry.Ref)
	if err != nil {
		return fmt.Errorf("reading seed: %w", err)
	}
	code, err := a.computer.CodeAt(seed, a.clock.Now())
	if err != nil {
		return fmt.Errorf("computing code: %w", err)
	}
	a.logger.Info("code computed", "label", entry.Label, "valid_until", code.NotAfter)

	payload := []byte(code.Value)
	offer := datactl.Offer{
		Label: entry.Label,
		// The code was computed at selection time; every paste gets
		// those bytes, even after the period rolls over.
		Provider: func(string) ([]byte, error) { return payload, nil },
	}
	if err := a.clipboard.Publish(offer); err != nil {
		return fmt.Errorf("publishing code: %w", err)
	}
	return nil
}

func (a *Agent) findAccount(label string) (secretstore.Entry, bool) {
	for _, entry := range a.accounts {
		if entry.Label == label {
			return entry, true
		}
	}
	return secretstore.Entry{}, false
}

func (a *Agent) setState(state State, detail string) {
	a.state = state
	a.presenter.SetStatus(state, detail)
}

func (a *Agent) snapshot() Snapshot {
	labels := make([]string, len(a.accounts))
	for i, entry := range a.accounts {
		labels[i] = entry.Label
	}
	return Snapshot{
		State:        a.state,
		Gate:         a.gate,
		Accounts:     labels,
		OfferedLabel: a.clipboard.Current(),
		LastError:    a.lastError,
		StartedAt:    a.startedAt,
	}
}
