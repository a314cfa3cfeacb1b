// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package datactl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/otpclip/otpclip/internal/wire"
)

var (
	// ErrNotReady means the data device is not bound yet, so no
	// selection can be claimed.
	ErrNotReady = errors.New("datactl: clipboard service not ready")

	// ErrNotRunning means the service loop has exited.
	ErrNotRunning = errors.New("datactl: clipboard service not running")

	// ErrUnsupported means the compositor does not advertise the
	// data-control protocol. Fatal: no clipboard capability exists.
	ErrUnsupported = errors.New("datactl: compositor does not support ext_data_control_v1")

	// ErrNoSeat means the compositor advertised no wl_seat, which the
	// data-control manager needs as its device argument.
	ErrNoSeat = errors.New("datactl: compositor advertised no wl_seat")

	// ErrDeviceFinished means the compositor revoked the data device.
	ErrDeviceFinished = errors.New("datactl: compositor revoked the data device")
)

// displayError is a wl_display.error event. The compositor is about
// to drop the connection, so this is always fatal.
type displayError struct {
	object  wire.ObjectID
	code    uint32
	message string
}

func (e *displayError) Error() string {
	return fmt.Sprintf("datactl: display error on object %d: %s (code %d)",
		e.object, e.message, e.code)
}

// command is a request posted to the service loop from another
// goroutine. The loop runs it between protocol events and replies on
// the buffered channel.
type command struct {
	run   func() error
	reply chan error
}

// Service is the clipboard side of the agent: one wire connection,
// one object registry, one goroutine. Publish and Clear may be called
// from any goroutine; everything else is loop-internal.
type Service struct {
	logger   *slog.Logger
	conn     *wire.Conn
	registry *wire.Registry

	commands chan command
	ready    chan struct{}
	done     chan struct{}
	fatal    chan error

	// currentMu guards currentLabel, the only loop state read from
	// outside the loop (status snapshots).
	currentMu    sync.Mutex
	currentLabel string

	// Loop-goroutine state. Untouched by any other goroutine.
	registryObject *wire.Object
	seat           *wire.Object
	seatName       uint32
	manager        *wire.Object
	managerName    uint32
	device         *wire.Object
	session        *session
	incomingOffer  *wire.Object
	isReady        bool
}

// NewService wraps an established compositor connection. Run must be
// called before Publish or Clear can succeed.
func NewService(logger *slog.Logger, conn *wire.Conn) *Service {
	return &Service{
		logger:   logger,
		conn:     conn,
		registry: wire.NewRegistry(logger),
		commands: make(chan command),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

// Ready is closed once the data device is bound and selections can be
// claimed.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Err yields the fatal error that stopped the service, if any. It is
// buffered so the loop never blocks on it.
func (s *Service) Err() <-chan error { return s.fatal }

// Current returns the label of the live publication, or "" when the
// clipboard is not ours.
func (s *Service) Current() string {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	return s.currentLabel
}

// Publish claims the clipboard selection for the given offer. Any
// prior publication is torn down first: its destroy request reaches
// the wire before the replacement's create request, so the compositor
// never sees two owners.
func (s *Service) Publish(offer Offer) error {
	return s.post(func() error { return s.publish(offer) })
}

// Clear drops the live publication without a replacement. A no-op
// when nothing is published.
func (s *Service) Clear() error {
	return s.post(s.clear)
}

func (s *Service) post(run func() error) error {
	cmd := command{run: run, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrNotRunning
	}
}

// Run drives the protocol until ctx is cancelled or a fatal error
// occurs. Cancellation is a clean shutdown (nil return); transport
// and protocol failures return the error and also surface on Err.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.conn.Close()

	if err := s.start(); err != nil {
		return s.failed(err)
	}

	events := make(chan *wire.Message)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		for {
			message, err := s.conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- message:
			case <-quit:
				message.CloseUnusedFDs()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case err := <-readErr:
			return s.failed(err)
		case message := <-events:
			if err := s.registry.Dispatch(message); err != nil {
				return s.failed(err)
			}
		case cmd := <-s.commands:
			cmd.reply <- cmd.run()
		}
	}
}

// failed records the fatal error and returns it. Protocol violations
// are logged distinctly from transport failures; the distinction
// matters to a human reading the log, not to the exit path.
func (s *Service) failed(err error) error {
	if wire.IsProtocolViolation(err) {
		s.logger.Error("protocol violation on compositor connection", "error", err)
	} else {
		s.logger.Error("compositor connection failed", "error", err)
	}
	select {
	case s.fatal <- err:
	default:
	}
	return err
}

// start registers the display, requests the registry, and issues the
// sync whose completion marks the end of the initial global burst.
func (s *Service) start() error {
	s.conn.SetEventFDCount(s.eventFDCount)

	_, err := s.registry.Register(wire.DisplayID, ifaceDisplay,
		wire.HandlerFunc(s.handleDisplay), wire.NoDestroy)
	if err != nil {
		return err
	}

	s.registryObject, err = s.registry.Create(ifaceRegistry,
		wire.HandlerFunc(s.handleRegistry), wire.NoDestroy)
	if err != nil {
		return err
	}
	getRegistry := wire.NewMessage(wire.DisplayID, displayGetRegistryOp)
	getRegistry.PutNewID(s.registryObject.ID())
	if err := s.conn.Send(getRegistry); err != nil {
		return err
	}
	return s.sync(s.finishStartup)
}

// sync sends a wl_display.sync whose done event runs fn. The
// compositor guarantees done arrives after every event already queued,
// so fn observes the complete initial state.
func (s *Service) sync(fn func() error) error {
	var callback *wire.Object
	handler := wire.HandlerFunc(func(message *wire.Message) error {
		reader := message.Reader()
		if _, err := reader.Uint(); err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		// Callbacks are one-shot; the display follows up with
		// delete_id for the id.
		s.registry.Abandon(callback)
		return fn()
	})
	callback, err := s.registry.Create(ifaceCallback, handler, wire.NoDestroy)
	if err != nil {
		return err
	}
	syncMsg := wire.NewMessage(wire.DisplayID, displaySyncOp)
	syncMsg.PutNewID(callback.ID())
	return s.conn.Send(syncMsg)
}

// finishStartup runs once the initial global burst is complete. Both
// required globals must have been advertised; then the data device is
// created and the service is ready.
func (s *Service) finishStartup() error {
	if s.manager == nil {
		return ErrUnsupported
	}
	if s.seat == nil {
		return ErrNoSeat
	}

	device, err := s.registry.Create(ifaceDevice,
		wire.HandlerFunc(s.handleDevice), deviceDestroyOp)
	if err != nil {
		return err
	}
	getDevice := wire.NewMessage(s.manager.ID(), managerGetDataDeviceOp)
	getDevice.PutNewID(device.ID())
	getDevice.PutObject(s.seat.ID())
	if err := s.conn.Send(getDevice); err != nil {
		return err
	}
	s.device = device
	s.isReady = true
	close(s.ready)
	s.logger.Info("clipboard service ready")
	return nil
}

// eventFDCount tells the connection which events carry descriptors:
// only a data source's send event does.
func (s *Service) eventFDCount(object wire.ObjectID, opcode uint16) int {
	tracked, known := s.registry.Lookup(object)
	if known && tracked.Kind() == ifaceSource && opcode == sourceSendEvent {
		return 1
	}
	return 0
}

func (s *Service) handleDisplay(message *wire.Message) error {
	reader := message.Reader()
	switch message.Opcode {
	case displayErrorEvent:
		object, err := reader.Object()
		if err != nil {
			return err
		}
		code, err := reader.Uint()
		if err != nil {
			return err
		}
		text, err := reader.String()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		return &displayError{object: object, code: code, message: text}
	case displayDeleteIDEvent:
		id, err := reader.Uint()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		s.registry.Release(wire.ObjectID(id))
		return nil
	default:
		s.logger.Debug("unhandled display event", "opcode", message.Opcode)
		return nil
	}
}

func (s *Service) handleRegistry(message *wire.Message) error {
	reader := message.Reader()
	switch message.Opcode {
	case registryGlobalEvent:
		name, err := reader.Uint()
		if err != nil {
			return err
		}
		interfaceName, err := reader.String()
		if err != nil {
			return err
		}
		version, err := reader.Uint()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		return s.handleGlobal(name, wire.Interface(interfaceName), version)
	case registryGlobalRemoveEvent:
		name, err := reader.Uint()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		if s.seat != nil && name == s.seatName {
			s.logger.Warn("compositor removed the bound seat")
		}
		if s.manager != nil && name == s.managerName {
			s.logger.Warn("compositor removed the data-control manager")
		}
		return nil
	default:
		s.logger.Debug("unhandled registry event", "opcode", message.Opcode)
		return nil
	}
}

func (s *Service) handleGlobal(name uint32, interfaceName wire.Interface, version uint32) error {
	switch interfaceName {
	case ifaceSeat:
		if s.seat != nil {
			// Multi-seat compositor: the first seat serves.
			s.logger.Debug("ignoring additional seat", "name", name)
			return nil
		}
		bindVersion := min(version, seatBindVersion)
		seat, err := s.bind(name, ifaceSeat, bindVersion,
			wire.HandlerFunc(s.handleSeat), wire.NoDestroy)
		if err != nil {
			return err
		}
		s.seat = seat
		s.seatName = name
		s.logger.Debug("bound seat", "name", name, "version", bindVersion)
	case ifaceManager:
		manager, err := s.bind(name, ifaceManager, managerBindVersion, nil, managerDestroyOp)
		if err != nil {
			return err
		}
		s.manager = manager
		s.managerName = name
		s.logger.Debug("bound data-control manager", "name", name)
	}
	return nil
}

// bind issues wl_registry.bind for a global, using the long new_id
// form that names the interface and version explicitly.
func (s *Service) bind(name uint32, interfaceName wire.Interface, version uint32, handler wire.Handler, destroyOpcode int) (*wire.Object, error) {
	object, err := s.registry.Create(interfaceName, handler, destroyOpcode)
	if err != nil {
		return nil, err
	}
	bindMsg := wire.NewMessage(s.registryObject.ID(), registryBindOp)
	bindMsg.PutUint(name)
	bindMsg.PutNewIDUnknown(string(interfaceName), version, object.ID())
	if err := s.conn.Send(bindMsg); err != nil {
		return nil, err
	}
	return object, nil
}

func (s *Service) handleSeat(message *wire.Message) error {
	reader := message.Reader()
	switch message.Opcode {
	case seatCapabilitiesEvent:
		capabilities, err := reader.Uint()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		s.logger.Debug("seat capabilities", "capabilities", capabilities)
	case seatNameEvent:
		name, err := reader.String()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		s.logger.Debug("seat name", "name", name)
	default:
		s.logger.Debug("unhandled seat event", "opcode", message.Opcode)
	}
	return nil
}

func (s *Service) handleDevice(message *wire.Message) error {
	reader := message.Reader()
	switch message.Opcode {
	case deviceDataOfferEvent:
		id, err := reader.NewID()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		return s.adoptIncomingOffer(id)
	case deviceSelectionEvent, devicePrimarySelectionEvent:
		id, err := reader.Object()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		// Reading the clipboard is out of scope: whatever offer now
		// holds the selection, drop our handle to it.
		s.dropIncomingOffer(id)
		return nil
	case deviceFinishedEvent:
		if err := reader.Finish(); err != nil {
			return err
		}
		return ErrDeviceFinished
	default:
		s.logger.Debug("unhandled device event", "opcode", message.Opcode)
		return nil
	}
}

// adoptIncomingOffer registers a compositor-announced data_offer
// object. The handler only debug-logs its advertised mime types; the
// offer exists so selection events have something to reference.
func (s *Service) adoptIncomingOffer(id wire.ObjectID) error {
	handler := wire.HandlerFunc(func(message *wire.Message) error {
		if message.Opcode != offerOfferEvent {
			s.logger.Debug("unhandled offer event", "opcode", message.Opcode)
			return nil
		}
		reader := message.Reader()
		mimeType, err := reader.String()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			return err
		}
		s.logger.Debug("incoming offer advertises", "object", uint32(id), "mime", mimeType)
		return nil
	})
	offer, err := s.registry.Register(id, ifaceOffer, handler, offerDestroyOp)
	if err != nil {
		return err
	}
	// A previous offer that never reached a selection event is dead
	// the moment a new one is announced.
	if s.incomingOffer != nil {
		if err := s.registry.Destroy(s.conn, s.incomingOffer); err != nil {
			return err
		}
	}
	s.incomingOffer = offer
	return nil
}

// dropIncomingOffer destroys our handle to the offer named by a
// selection event. A null id clears the remembered offer without a
// destroy, meaning the selection is now empty.
func (s *Service) dropIncomingOffer(id wire.ObjectID) {
	if s.incomingOffer == nil {
		return
	}
	if id == 0 || s.incomingOffer.ID() == id {
		if err := s.registry.Destroy(s.conn, s.incomingOffer); err != nil {
			s.logger.Warn("destroying incoming offer", "error", err)
		}
		s.incomingOffer = nil
	}
}

// publish retires the live session and claims the selection for a new
// one. The predecessor's destroy request is sent before the successor
// is created, so the compositor observes the supersession in order.
func (s *Service) publish(offer Offer) error {
	if !s.isReady {
		return ErrNotReady
	}
	if err := s.retireSession(); err != nil {
		return err
	}

	sess := newSession(offer)
	source, err := s.registry.Create(ifaceSource,
		wire.HandlerFunc(func(message *wire.Message) error {
			return s.handleSource(sess, message)
		}), sourceDestroyOp)
	if err != nil {
		return err
	}
	sess.source = source

	createMsg := wire.NewMessage(s.manager.ID(), managerCreateDataSourceOp)
	createMsg.PutNewID(source.ID())
	if err := s.conn.Send(createMsg); err != nil {
		return err
	}
	for _, mimeType := range sess.mimeTypes {
		offerMsg := wire.NewMessage(source.ID(), sourceOfferOp)
		offerMsg.PutString(mimeType)
		if err := s.conn.Send(offerMsg); err != nil {
			return err
		}
	}
	selectionMsg := wire.NewMessage(s.device.ID(), deviceSetSelectionOp)
	selectionMsg.PutObject(source.ID())
	if err := s.conn.Send(selectionMsg); err != nil {
		return err
	}

	s.session = sess
	s.setCurrent(offer.Label)
	s.logger.Info("clipboard offer published", "label", offer.Label)
	return nil
}

// clear retires the live session and explicitly releases the
// selection.
func (s *Service) clear() error {
	if !s.isReady {
		return ErrNotReady
	}
	if s.session == nil {
		return nil
	}
	if err := s.retireSession(); err != nil {
		return err
	}
	selectionMsg := wire.NewMessage(s.device.ID(), deviceSetSelectionOp)
	selectionMsg.PutObject(0)
	if err := s.conn.Send(selectionMsg); err != nil {
		return err
	}
	s.logger.Info("clipboard cleared")
	return nil
}

// retireSession tears down the live session, exactly once: the source
// destroy request is sent, the session stops serving, and late events
// for its id fall into the registry's tombstone. No-op without a live
// session.
func (s *Service) retireSession() error {
	sess := s.session
	if sess == nil {
		return nil
	}
	s.session = nil
	sess.retired = true
	s.setCurrent("")
	if err := s.registry.Destroy(s.conn, sess.source); err != nil {
		return err
	}
	s.logger.Debug("clipboard offer retired", "label", sess.offer.Label)
	return nil
}

func (s *Service) handleSource(sess *session, message *wire.Message) error {
	reader := message.Reader()
	switch message.Opcode {
	case sourceSendEvent:
		mimeType, err := reader.String()
		if err != nil {
			return err
		}
		sinkFD, err := reader.FD()
		if err != nil {
			return err
		}
		if err := reader.Finish(); err != nil {
			closeFD(sinkFD)
			return err
		}
		if sess.retired {
			// Ordinarily the registry tombstone drops these; this
			// covers a send decoded in the same batch as a local
			// retirement.
			closeFD(sinkFD)
			return nil
		}
		sess.serve(s.logger, mimeType, sinkFD)
		return nil
	case sourceCancelledEvent:
		if err := reader.Finish(); err != nil {
			return err
		}
		if sess.retired || s.session != sess {
			return nil
		}
		s.logger.Info("clipboard offer superseded by another client",
			"label", sess.offer.Label)
		return s.retireSession()
	default:
		s.logger.Debug("unhandled source event", "opcode", message.Opcode)
		return nil
	}
}

// shutdown runs on context cancellation: an orderly teardown of
// everything this client created, best effort. In-flight send
// responses already completed synchronously; anything still queued on
// the connection is dropped when it closes.
func (s *Service) shutdown() {
	if err := s.retireSession(); err != nil {
		s.logger.Debug("retiring session during shutdown", "error", err)
	}
	if s.device != nil {
		if err := s.registry.Destroy(s.conn, s.device); err != nil {
			s.logger.Debug("destroying data device during shutdown", "error", err)
		}
	}
	if s.manager != nil {
		if err := s.registry.Destroy(s.conn, s.manager); err != nil {
			s.logger.Debug("destroying manager during shutdown", "error", err)
		}
	}
	s.logger.Info("clipboard service stopped")
}

func (s *Service) setCurrent(label string) {
	s.currentMu.Lock()
	s.currentLabel = label
	s.currentMu.Unlock()
}
