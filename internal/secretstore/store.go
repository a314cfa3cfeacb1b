// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretstore reads TOTP seed descriptors from an
// org.freedesktop.secrets provider over the session bus. Access is
// read-only: the store never creates, edits, or deletes items.
//
// Secret values travel through a negotiated session, encrypted with
// DH-derived AES-128-CBC when the provider supports it, and land
// directly in locked buffers.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/otpclip/otpclip/internal/totp"
	"github.com/otpclip/otpclip/lib/secretbuf"
)

const (
	busName     = "org.freedesktop.secrets"
	servicePath = dbus.ObjectPath("/org/freedesktop/secrets")

	serviceInterface    = "org.freedesktop.Secret.Service"
	collectionInterface = "org.freedesktop.Secret.Collection"
	itemInterface       = "org.freedesktop.Secret.Item"
	sessionInterface    = "org.freedesktop.Secret.Session"
	promptInterface     = "org.freedesktop.Secret.Prompt"

	schemaAttribute = "xdg:schema"
	defaultAlias    = "default"

	// noObject is what ReadAlias and Unlock return in object-path
	// positions that carry no object.
	noObject = dbus.ObjectPath("/")
)

var (
	ErrNoCollection     = errors.New("secretstore: collection not found")
	ErrCollectionLocked = errors.New("secretstore: collection is locked")
	ErrNoPrompt         = errors.New("secretstore: collection locked but service offered no prompt")
)

// UnlockOutcome reports how EnsureUnlocked reached its result.
type UnlockOutcome int

const (
	// UnlockAlreadyUnlocked means no prompt was needed.
	UnlockAlreadyUnlocked UnlockOutcome = iota
	// UnlockCompleted means the user satisfied the prompt (or the
	// service unlocked silently).
	UnlockCompleted
	// UnlockDismissed means the user declined the prompt. Callers
	// must not prompt again.
	UnlockDismissed
)

func (o UnlockOutcome) String() string {
	switch o {
	case UnlockAlreadyUnlocked:
		return "already-unlocked"
	case UnlockCompleted:
		return "completed"
	case UnlockDismissed:
		return "dismissed"
	default:
		return fmt.Sprintf("UnlockOutcome(%d)", int(o))
	}
}

// ItemRef names a stored item. Opaque to callers; only ReadSeed
// consumes it.
type ItemRef = dbus.ObjectPath

// Entry is one stored account: its display label and the item it came
// from. No seed material.
type Entry struct {
	Label string
	Ref   ItemRef
}

// Config selects the collection and schema the store reads.
type Config struct {
	// Collection is the label of the collection to use; empty means
	// the "default" alias.
	Collection string
	// Schema is the xdg:schema attribute value items are searched by.
	Schema string
	// Session is "auto", "dh", or "plain".
	Session string
}

// Store is a client for one secrets collection.
type Store struct {
	conn   *dbus.Conn
	logger *slog.Logger

	session     cryptoSession
	sessionPath dbus.ObjectPath
	collection  dbus.ObjectPath
	schema      string
}

// WaitForService blocks until org.freedesktop.secrets has an owner on
// the bus. The signal match is registered before the ownership query
// so a provider appearing in between cannot be missed.
func WaitForService(ctx context.Context, logger *slog.Logger, conn *dbus.Conn) error {
	match := []dbus.MatchOption{
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, busName),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("subscribing to name changes: %w", err)
	}
	defer func() {
		if err := conn.RemoveMatchSignal(match...); err != nil {
			logger.Debug("removing name-change match", "error", err)
		}
	}()

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	var owner string
	err := conn.BusObject().CallWithContext(ctx,
		"org.freedesktop.DBus.GetNameOwner", 0, busName).Store(&owner)
	if err == nil {
		return nil
	}
	if !isDBusError(err, "org.freedesktop.DBus.Error.NameHasNoOwner") {
		return fmt.Errorf("querying %s owner: %w", busName, err)
	}

	logger.Info("waiting for a secret service to appear", "name", busName)
	for {
		select {
		case signal, ok := <-signals:
			if !ok {
				return errors.New("secretstore: bus connection closed while waiting")
			}
			if signal.Name != "org.freedesktop.DBus.NameOwnerChanged" {
				continue
			}
			var name, oldOwner, newOwner string
			if err := dbus.Store(signal.Body, &name, &oldOwner, &newOwner); err != nil {
				continue
			}
			if name == busName && newOwner != "" {
				logger.Info("secret service appeared", "owner", newOwner)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Open negotiates a session and resolves the configured collection.
// The bus connection stays owned by the caller.
func Open(ctx context.Context, logger *slog.Logger, conn *dbus.Conn, cfg Config) (*Store, error) {
	service := conn.Object(busName, servicePath)

	session, sessionPath, err := openSession(ctx, logger, service, cfg.Session)
	if err != nil {
		return nil, err
	}

	collection, err := resolveCollection(ctx, conn, service, cfg.Collection)
	if err != nil {
		return nil, err
	}
	logger.Info("secret store ready",
		"collection", string(collection), "algorithm", session.algorithm())

	return &Store{
		conn:        conn,
		logger:      logger,
		session:     session,
		sessionPath: sessionPath,
		collection:  collection,
		schema:      cfg.Schema,
	}, nil
}

func resolveCollection(ctx context.Context, conn *dbus.Conn, service dbus.BusObject, label string) (dbus.ObjectPath, error) {
	if label == "" {
		var path dbus.ObjectPath
		err := service.CallWithContext(ctx,
			serviceInterface+".ReadAlias", 0, defaultAlias).Store(&path)
		if err != nil {
			return "", fmt.Errorf("reading default collection alias: %w", err)
		}
		if path == noObject || path == "" {
			return "", fmt.Errorf("%w: no default collection configured", ErrNoCollection)
		}
		return path, nil
	}

	variant, err := service.GetProperty(serviceInterface + ".Collections")
	if err != nil {
		return "", fmt.Errorf("listing collections: %w", err)
	}
	var paths []dbus.ObjectPath
	if err := variant.Store(&paths); err != nil {
		return "", fmt.Errorf("decoding collection list: %w", err)
	}
	for _, path := range paths {
		variant, err := conn.Object(busName, path).GetProperty(collectionInterface + ".Label")
		if err != nil {
			continue
		}
		var collectionLabel string
		if err := variant.Store(&collectionLabel); err != nil {
			continue
		}
		if collectionLabel == label {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no collection labelled %q", ErrNoCollection, label)
}

// Locked reports whether the collection is currently locked.
func (s *Store) Locked(ctx context.Context) (bool, error) {
	variant, err := s.conn.Object(busName, s.collection).GetProperty(collectionInterface + ".Locked")
	if err != nil {
		return false, fmt.Errorf("reading lock state: %w", err)
	}
	var locked bool
	if err := variant.Store(&locked); err != nil {
		return false, fmt.Errorf("decoding lock state: %w", err)
	}
	return locked, nil
}

// EnsureUnlocked unlocks the collection, prompting the user at most
// once. It blocks on the prompt until the user answers or ctx is
// cancelled.
func (s *Store) EnsureUnlocked(ctx context.Context) (UnlockOutcome, error) {
	locked, err := s.Locked(ctx)
	if err != nil {
		return 0, err
	}
	if !locked {
		return UnlockAlreadyUnlocked, nil
	}

	service := s.conn.Object(busName, servicePath)
	var unlocked []dbus.ObjectPath
	var promptPath dbus.ObjectPath
	err = service.CallWithContext(ctx, serviceInterface+".Unlock", 0,
		[]dbus.ObjectPath{s.collection}).Store(&unlocked, &promptPath)
	if err != nil {
		return 0, fmt.Errorf("requesting unlock: %w", err)
	}
	if len(unlocked) > 0 {
		return UnlockCompleted, nil
	}
	if promptPath == noObject || promptPath == "" {
		return 0, ErrNoPrompt
	}
	return s.runPrompt(ctx, promptPath)
}

// runPrompt drives one org.freedesktop.Secret.Prompt to completion.
// The Completed match is registered before Prompt is called so the
// signal cannot slip past.
func (s *Store) runPrompt(ctx context.Context, promptPath dbus.ObjectPath) (UnlockOutcome, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(promptPath),
		dbus.WithMatchInterface(promptInterface),
		dbus.WithMatchMember("Completed"),
	}
	if err := s.conn.AddMatchSignal(match...); err != nil {
		return 0, fmt.Errorf("subscribing to prompt completion: %w", err)
	}
	defer func() {
		if err := s.conn.RemoveMatchSignal(match...); err != nil {
			s.logger.Debug("removing prompt match", "error", err)
		}
	}()

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	s.logger.Info("prompting user to unlock the collection")
	prompt := s.conn.Object(busName, promptPath)
	if call := prompt.CallWithContext(ctx, promptInterface+".Prompt", 0, ""); call.Err != nil {
		return 0, fmt.Errorf("triggering prompt: %w", call.Err)
	}

	for {
		select {
		case signal, ok := <-signals:
			if !ok {
				return 0, errors.New("secretstore: bus connection closed during prompt")
			}
			if signal.Path != promptPath || signal.Name != promptInterface+".Completed" {
				continue
			}
			var dismissed bool
			var result dbus.Variant
			if err := dbus.Store(signal.Body, &dismissed, &result); err != nil {
				return 0, fmt.Errorf("decoding prompt completion: %w", err)
			}
			if dismissed {
				s.logger.Warn("user dismissed the unlock prompt")
				return UnlockDismissed, nil
			}
			return UnlockCompleted, nil
		case <-ctx.Done():
			// Best effort; the prompt window may already be gone.
			if call := prompt.Call(promptInterface+".Dismiss", 0); call.Err != nil {
				s.logger.Debug("dismissing prompt", "error", call.Err)
			}
			return 0, ctx.Err()
		}
	}
}

// Entries lists the accounts in the collection, sorted by label.
// Every candidate item is validated by fetching its secret and
// parsing it as an otpauth descriptor; the seed material is wiped
// before the entry is admitted. Items that fail retrieval or
// validation are skipped with a warning, never aborting the listing.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	locked, err := s.Locked(ctx)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrCollectionLocked
	}

	collection := s.conn.Object(busName, s.collection)
	var itemPaths []dbus.ObjectPath
	err = collection.CallWithContext(ctx, collectionInterface+".SearchItems", 0,
		map[string]string{schemaAttribute: s.schema}).Store(&itemPaths)
	if err != nil {
		return nil, fmt.Errorf("searching items: %w", err)
	}

	entries := make([]Entry, 0, len(itemPaths))
	for _, path := range itemPaths {
		variant, err := s.conn.Object(busName, path).GetProperty(itemInterface + ".Label")
		if err != nil {
			s.logger.Warn("skipping item without readable label",
				"item", string(path), "error", err)
			continue
		}
		var label string
		if err := variant.Store(&label); err != nil {
			s.logger.Warn("skipping item with malformed label",
				"item", string(path), "error", err)
			continue
		}
		if err := s.validateSeed(ctx, path); err != nil {
			s.logger.Warn("skipping invalid entry",
				"label", label, "item", string(path), "error", err)
			continue
		}
		entries = append(entries, Entry{Label: label, Ref: path})
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Label, b.Label)
	})
	return entries, nil
}

// validateSeed proves an item holds a parseable otpauth descriptor,
// then wipes everything it touched.
func (s *Store) validateSeed(ctx context.Context, ref dbus.ObjectPath) error {
	seed, err := s.ReadSeed(ctx, ref)
	if err != nil {
		return err
	}
	key, err := totp.ParseURI(seed.Bytes())
	seed.Close()
	if err != nil {
		return err
	}
	key.Wipe()
	return nil
}

// ReadSeed fetches one item's secret through the session. The caller
// owns (and wipes) the returned buffer.
func (s *Store) ReadSeed(ctx context.Context, ref ItemRef) (*secretbuf.Buffer, error) {
	var secret struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}
	item := s.conn.Object(busName, ref)
	err := item.CallWithContext(ctx, itemInterface+".GetSecret", 0, s.sessionPath).Store(&secret)
	if err != nil {
		return nil, fmt.Errorf("fetching secret: %w", err)
	}
	buffer, err := s.session.decode(secret.Parameters, secret.Value)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// Close tears down the service session. The bus connection is the
// caller's and stays open.
func (s *Store) Close() {
	session := s.conn.Object(busName, s.sessionPath)
	if call := session.Call(sessionInterface+".Close", 0); call.Err != nil {
		s.logger.Debug("closing secret session", "error", call.Err)
	}
}

func isDBusError(err error, name string) bool {
	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == name
}
