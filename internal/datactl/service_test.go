// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package datactl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/otpclip/otpclip/internal/wire"
	"github.com/otpclip/otpclip/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	var conns [2]*net.UnixConn
	for i, fd := range fds {
		file := os.NewFile(uintptr(fd), "socketpair")
		netConn, err := net.FileConn(file)
		file.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		conn, ok := netConn.(*net.UnixConn)
		if !ok {
			t.Fatalf("FileConn returned %T, want *net.UnixConn", netConn)
		}
		t.Cleanup(func() { conn.Close() })
		conns[i] = conn
	}
	return conns[0], conns[1]
}

// compositorRequest is one client request observed by the fake
// compositor, surfaced to the test in wire order.
type compositorRequest struct {
	kind   string // "get-device", "create-source", "offer", "set-selection", "destroy-source"
	object wire.ObjectID
	mime   string
	source wire.ObjectID // set-selection argument; 0 means null
}

// fakeCompositor speaks the server side of the protocol over the far
// end of a socketpair: it answers get_registry with a configurable
// set of globals, completes sync callbacks, and records every
// data-control request the client makes.
type fakeCompositor struct {
	t    *testing.T
	conn *wire.Conn

	offerSeat    bool
	offerManager bool

	// releaseSync, when non-nil, holds every sync done reply until a
	// value is sent on it.
	releaseSync chan struct{}

	requests chan compositorRequest

	registryID wire.ObjectID
	seatID     wire.ObjectID
	managerID  wire.ObjectID
	deviceID   wire.ObjectID
}

func newFakeCompositor(t *testing.T, socket *net.UnixConn) *fakeCompositor {
	return &fakeCompositor{
		t:            t,
		conn:         wire.NewConn(socket, discardLogger()),
		offerSeat:    true,
		offerManager: true,
		requests:     make(chan compositorRequest, 64),
	}
}

func (f *fakeCompositor) run() {
	for {
		message, err := f.conn.Receive()
		if err != nil {
			return
		}
		if err := f.handle(message); err != nil {
			f.t.Errorf("fake compositor: %v", err)
			return
		}
	}
}

func (f *fakeCompositor) handle(message *wire.Message) error {
	reader := message.Reader()
	switch {
	case message.Object == wire.DisplayID && message.Opcode == displaySyncOp:
		callback, err := reader.NewID()
		if err != nil {
			return err
		}
		if f.releaseSync != nil {
			<-f.releaseSync
		}
		done := wire.NewMessage(callback, callbackDoneEvent)
		done.PutUint(1)
		if err := f.conn.Send(done); err != nil {
			return err
		}
		deleteID := wire.NewMessage(wire.DisplayID, displayDeleteIDEvent)
		deleteID.PutUint(uint32(callback))
		return f.conn.Send(deleteID)

	case message.Object == wire.DisplayID && message.Opcode == displayGetRegistryOp:
		registry, err := reader.NewID()
		if err != nil {
			return err
		}
		f.registryID = registry
		if f.offerSeat {
			if err := f.sendGlobal(1, "wl_seat", 7); err != nil {
				return err
			}
		}
		if f.offerManager {
			if err := f.sendGlobal(2, "ext_data_control_manager_v1", 1); err != nil {
				return err
			}
		}
		return nil

	case message.Object == f.registryID && message.Opcode == registryBindOp:
		if _, err := reader.Uint(); err != nil {
			return err
		}
		interfaceName, err := reader.String()
		if err != nil {
			return err
		}
		if _, err := reader.Uint(); err != nil {
			return err
		}
		id, err := reader.Uint()
		if err != nil {
			return err
		}
		switch interfaceName {
		case "wl_seat":
			f.seatID = wire.ObjectID(id)
		case "ext_data_control_manager_v1":
			f.managerID = wire.ObjectID(id)
		}
		return nil

	case message.Object == f.managerID && message.Opcode == managerCreateDataSourceOp:
		source, err := reader.NewID()
		if err != nil {
			return err
		}
		f.requests <- compositorRequest{kind: "create-source", object: source}
		return nil

	case message.Object == f.managerID && message.Opcode == managerGetDataDeviceOp:
		device, err := reader.NewID()
		if err != nil {
			return err
		}
		f.deviceID = device
		f.requests <- compositorRequest{kind: "get-device", object: device}
		return nil

	case message.Object == f.deviceID && message.Opcode == deviceSetSelectionOp:
		source, err := reader.Object()
		if err != nil {
			return err
		}
		f.requests <- compositorRequest{kind: "set-selection", source: source}
		return nil

	default:
		// Remaining requests belong to source objects.
		switch message.Opcode {
		case sourceOfferOp:
			mime, err := reader.String()
			if err != nil {
				return err
			}
			f.requests <- compositorRequest{kind: "offer", object: message.Object, mime: mime}
		case sourceDestroyOp:
			f.requests <- compositorRequest{kind: "destroy-source", object: message.Object}
		}
		return nil
	}
}

func (f *fakeCompositor) sendGlobal(name uint32, interfaceName string, version uint32) error {
	global := wire.NewMessage(f.registryID, registryGlobalEvent)
	global.PutUint(name)
	global.PutString(interfaceName)
	global.PutUint(version)
	return f.conn.Send(global)
}

// sendTo sends a source.send event carrying a pipe's write end and
// returns the read end.
func (f *fakeCompositor) sendTo(source wire.ObjectID, mime string) *os.File {
	f.t.Helper()
	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		f.t.Fatalf("pipe: %v", err)
	}
	send := wire.NewMessage(source, sourceSendEvent)
	send.PutString(mime)
	send.PutFD(int(pipeWrite.Fd()))
	if err := f.conn.Send(send); err != nil {
		f.t.Fatalf("sending send event: %v", err)
	}
	pipeWrite.Close()
	return pipeRead
}

func (f *fakeCompositor) cancel(source wire.ObjectID) {
	f.t.Helper()
	if err := f.conn.Send(wire.NewMessage(source, sourceCancelledEvent)); err != nil {
		f.t.Fatalf("sending cancelled event: %v", err)
	}
}

func (f *fakeCompositor) next() compositorRequest {
	f.t.Helper()
	return testutil.RequireReceive(f.t, f.requests, 5*time.Second, "compositor request")
}

// expectPublication consumes the create/offer/set-selection burst for
// one Publish and returns the new source id.
func (f *fakeCompositor) expectPublication(mimeCount int) wire.ObjectID {
	f.t.Helper()
	created := f.next()
	if created.kind != "create-source" {
		f.t.Fatalf("request = %+v, want create-source", created)
	}
	for i := range mimeCount {
		offer := f.next()
		if offer.kind != "offer" || offer.object != created.object {
			f.t.Fatalf("request %d = %+v, want offer for source %d", i, offer, created.object)
		}
	}
	selection := f.next()
	if selection.kind != "set-selection" || selection.source != created.object {
		f.t.Fatalf("request = %+v, want set-selection of source %d", selection, created.object)
	}
	return created.object
}

type serviceHarness struct {
	service    *Service
	compositor *fakeCompositor
	runErr     chan error
	cancel     context.CancelFunc
}

func startService(t *testing.T, configure func(*fakeCompositor)) *serviceHarness {
	t.Helper()
	localSocket, remoteSocket := socketPair(t)

	compositor := newFakeCompositor(t, remoteSocket)
	if configure != nil {
		configure(compositor)
	}
	go compositor.run()

	service := NewService(discardLogger(), wire.NewConn(localSocket, discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- service.Run(ctx) }()

	return &serviceHarness{
		service:    service,
		compositor: compositor,
		runErr:     runErr,
		cancel:     cancel,
	}
}

func (h *serviceHarness) awaitReady(t *testing.T) {
	t.Helper()
	testutil.RequireClosed(t, h.service.Ready(), 5*time.Second, "service ready")
	device := h.compositor.next()
	if device.kind != "get-device" {
		t.Fatalf("request = %+v, want get-device", device)
	}
}

func readAllAndClose(t *testing.T, pipe *os.File) []byte {
	t.Helper()
	defer pipe.Close()
	deadline := time.Now().Add(5 * time.Second)
	if err := pipe.SetReadDeadline(deadline); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	contents, err := io.ReadAll(pipe)
	if err != nil {
		t.Fatalf("reading sink pipe: %v", err)
	}
	return contents
}

func staticOffer(label, payload string) Offer {
	return Offer{
		Label:    label,
		Provider: func(string) ([]byte, error) { return []byte(payload), nil },
	}
}

func TestServiceReadyAfterBind(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if got := harness.service.Current(); got != "" {
		t.Fatalf("Current() = %q, want empty before any publish", got)
	}
}

func TestServiceFailsWithoutManager(t *testing.T) {
	t.Parallel()

	harness := startService(t, func(f *fakeCompositor) { f.offerManager = false })
	err := testutil.RequireReceive(t, harness.runErr, 5*time.Second, "Run exit")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Run error = %v, want ErrUnsupported", err)
	}
	fatal := testutil.RequireReceive(t, harness.service.Err(), 5*time.Second, "fatal channel")
	if !errors.Is(fatal, ErrUnsupported) {
		t.Fatalf("Err() = %v, want ErrUnsupported", fatal)
	}
}

func TestServiceFailsWithoutSeat(t *testing.T) {
	t.Parallel()

	harness := startService(t, func(f *fakeCompositor) { f.offerSeat = false })
	err := testutil.RequireReceive(t, harness.runErr, 5*time.Second, "Run exit")
	if !errors.Is(err, ErrNoSeat) {
		t.Fatalf("Run error = %v, want ErrNoSeat", err)
	}
}

func TestPublishBeforeReady(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	harness := startService(t, func(f *fakeCompositor) { f.releaseSync = release })

	if err := harness.service.Publish(staticOffer("acct", "123456")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Publish before ready = %v, want ErrNotReady", err)
	}

	release <- struct{}{}
	harness.awaitReady(t)
}

func TestPublishAdvertisesAndClaims(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if err := harness.service.Publish(staticOffer("work:alice", "424242")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	harness.compositor.expectPublication(len(plainTextMimeTypes))

	if got := harness.service.Current(); got != "work:alice" {
		t.Fatalf("Current() = %q, want work:alice", got)
	}
}

func TestSendServesPayloadAndClosesSink(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if err := harness.service.Publish(staticOffer("acct", "098765")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	source := harness.compositor.expectPublication(len(plainTextMimeTypes))

	pipe := harness.compositor.sendTo(source, "text/plain")
	if got := readAllAndClose(t, pipe); string(got) != "098765" {
		t.Fatalf("served payload = %q, want 098765", got)
	}
}

func TestSendUnknownMimeClosesSinkUnwritten(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	invoked := make(chan string, 1)
	offer := Offer{
		Label: "acct",
		Provider: func(mime string) ([]byte, error) {
			invoked <- mime
			return []byte("555555"), nil
		},
	}
	if err := harness.service.Publish(offer); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	source := harness.compositor.expectPublication(len(plainTextMimeTypes))

	pipe := harness.compositor.sendTo(source, "image/png")
	if got := readAllAndClose(t, pipe); len(got) != 0 {
		t.Fatalf("sink received %q, want nothing", got)
	}
	testutil.RequireNoReceive(t, invoked, 100*time.Millisecond,
		"provider must not run for an unadvertised mime type")
}

func TestRapidRepublishSupersedesInOrder(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	xInvoked := make(chan string, 1)
	offerX := Offer{
		Label: "x",
		Provider: func(mime string) ([]byte, error) {
			xInvoked <- mime
			return []byte("111111"), nil
		},
	}
	if err := harness.service.Publish(offerX); err != nil {
		t.Fatalf("Publish x: %v", err)
	}
	sourceX := harness.compositor.expectPublication(len(plainTextMimeTypes))

	if err := harness.service.Publish(staticOffer("y", "222222")); err != nil {
		t.Fatalf("Publish y: %v", err)
	}

	// Supersession order on the wire: x is destroyed before y exists.
	destroyed := harness.compositor.next()
	if destroyed.kind != "destroy-source" || destroyed.object != sourceX {
		t.Fatalf("request = %+v, want destroy-source of %d", destroyed, sourceX)
	}
	sourceY := harness.compositor.expectPublication(len(plainTextMimeTypes))

	// The compositor's view of x's teardown: one cancelled, then a
	// late send. Both land on the retired id and must be dropped —
	// the sink closes unwritten and x's provider never runs.
	harness.compositor.cancel(sourceX)
	pipe := harness.compositor.sendTo(sourceX, "text/plain")
	if got := readAllAndClose(t, pipe); len(got) != 0 {
		t.Fatalf("retired source served %q, want nothing", got)
	}
	testutil.RequireNoReceive(t, xInvoked, 100*time.Millisecond,
		"superseded provider must not run")

	// y is live and serves.
	pipeY := harness.compositor.sendTo(sourceY, "UTF8_STRING")
	if got := readAllAndClose(t, pipeY); string(got) != "222222" {
		t.Fatalf("served payload = %q, want 222222", got)
	}
	if got := harness.service.Current(); got != "y" {
		t.Fatalf("Current() = %q, want y", got)
	}
}

func TestCancelledRetiresSession(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if err := harness.service.Publish(staticOffer("acct", "313131")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	source := harness.compositor.expectPublication(len(plainTextMimeTypes))

	harness.compositor.cancel(source)

	destroyed := harness.compositor.next()
	if destroyed.kind != "destroy-source" || destroyed.object != source {
		t.Fatalf("request = %+v, want destroy-source of %d", destroyed, source)
	}
	if got := harness.service.Current(); got != "" {
		t.Fatalf("Current() = %q after cancellation, want empty", got)
	}

	// A duplicate cancelled on the retired id is dropped silently;
	// the service keeps working.
	harness.compositor.cancel(source)
	if err := harness.service.Publish(staticOffer("next", "616161")); err != nil {
		t.Fatalf("Publish after cancel: %v", err)
	}
	harness.compositor.expectPublication(len(plainTextMimeTypes))

	if got := harness.service.Current(); got != "next" {
		t.Fatalf("Current() = %q, want next", got)
	}
}

func TestClearDestroysAndReleasesSelection(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if err := harness.service.Publish(staticOffer("acct", "777777")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	source := harness.compositor.expectPublication(len(plainTextMimeTypes))

	if err := harness.service.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	destroyed := harness.compositor.next()
	if destroyed.kind != "destroy-source" || destroyed.object != source {
		t.Fatalf("request = %+v, want destroy-source of %d", destroyed, source)
	}
	selection := harness.compositor.next()
	if selection.kind != "set-selection" || selection.source != 0 {
		t.Fatalf("request = %+v, want set-selection of null", selection)
	}
	if got := harness.service.Current(); got != "" {
		t.Fatalf("Current() = %q, want empty after Clear", got)
	}

	// Clearing an empty clipboard is a no-op, not an error.
	if err := harness.service.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestShutdownOnContextCancel(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	if err := harness.service.Publish(staticOffer("acct", "909090")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	harness.compositor.expectPublication(len(plainTextMimeTypes))

	harness.cancel()
	if err := testutil.RequireReceive(t, harness.runErr, 5*time.Second, "Run exit"); err != nil {
		t.Fatalf("Run returned %v on cancellation, want nil", err)
	}

	if err := harness.service.Publish(staticOffer("late", "101010")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Publish after shutdown = %v, want ErrNotRunning", err)
	}
}

func TestTransportFailureIsFatal(t *testing.T) {
	t.Parallel()

	harness := startService(t, nil)
	harness.awaitReady(t)

	// The compositor going away breaks the stream mid-connection.
	harness.compositor.conn.Close()

	err := testutil.RequireReceive(t, harness.runErr, 5*time.Second, "Run exit")
	if err == nil {
		t.Fatal("Run returned nil after transport failure")
	}
}
