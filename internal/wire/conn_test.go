// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/otpclip/otpclip/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketPair returns both ends of a connected unix stream socket as
// *net.UnixConn, closed automatically at test end.
func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	local := unixConnFromFD(t, fds[0])
	remote := unixConnFromFD(t, fds[1])
	return local, remote
}

func unixConnFromFD(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	file := os.NewFile(uintptr(fd), "socketpair")
	defer file.Close()
	netConn, err := net.FileConn(file)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	conn, ok := netConn.(*net.UnixConn)
	if !ok {
		t.Fatalf("FileConn returned %T, want *net.UnixConn", netConn)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// rawFrame builds a frame with an arbitrary declared size, which may
// deliberately disagree with the actual bytes for error-path tests.
func rawFrame(object uint32, opcode uint16, declaredSize int, payload []byte) []byte {
	frame := make([]byte, 0, headerLength+len(payload))
	frame = binary.NativeEndian.AppendUint32(frame, object)
	frame = binary.NativeEndian.AppendUint32(frame, uint32(declaredSize)<<16|uint32(opcode))
	return append(frame, payload...)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())
	remote := NewConn(remoteSocket, discardLogger())

	message := NewMessage(3, 1)
	message.PutUint(77)
	message.PutString("UTF8_STRING")
	if err := local.Send(message); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := remote.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received.Object != 3 || received.Opcode != 1 {
		t.Fatalf("received object %d opcode %d, want 3/1", received.Object, received.Opcode)
	}
	reader := received.Reader()
	if v, err := reader.Uint(); err != nil || v != 77 {
		t.Fatalf("Uint() = %d, %v; want 77", v, err)
	}
	if v, err := reader.String(); err != nil || v != "UTF8_STRING" {
		t.Fatalf("String() = %q, %v", v, err)
	}
	if err := reader.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestReceiveAssemblesSplitWrites(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	message := NewMessage(2, 0)
	message.PutUint(0xABCD)
	frame, err := message.Encode(DefaultMaxMessageSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Deliver the frame in two fragments, splitting mid-header.
	done := make(chan error, 1)
	go func() {
		if _, err := remoteSocket.Write(frame[:6]); err != nil {
			done <- err
			return
		}
		_, err := remoteSocket.Write(frame[6:])
		done <- err
	}()

	received, err := local.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received.Object != 2 {
		t.Fatalf("received object %d, want 2", received.Object)
	}
	if err := testutil.RequireReceive(t, done, 5*time.Second, "writer goroutine"); err != nil {
		t.Fatalf("fragment write: %v", err)
	}
}

func TestReceiveSplitsCoalescedWrites(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	first := NewMessage(4, 0)
	first.PutUint(1)
	second := NewMessage(5, 2)
	second.PutUint(2)

	var combined []byte
	for _, message := range []*Message{first, second} {
		frame, err := message.Encode(DefaultMaxMessageSize)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		combined = append(combined, frame...)
	}
	if _, err := remoteSocket.Write(combined); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for i, want := range []ObjectID{4, 5} {
		received, err := local.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if received.Object != want {
			t.Fatalf("Receive %d: object %d, want %d", i, received.Object, want)
		}
	}
}

func TestReceiveRejectsOversizeAndSticks(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger(), WithMaxMessageSize(1024))

	if _, err := remoteSocket.Write(rawFrame(1, 0, 2048, nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := local.Receive()
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("Receive error = %v, want ErrMessageTooLong", err)
	}

	// The connection is poisoned: later calls fail without reading.
	_, err = local.Receive()
	if !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("second Receive error = %v, want ErrMessageTooLong", err)
	}
}

func TestReceiveRejectsZeroObject(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	if _, err := remoteSocket.Write(rawFrame(0, 0, headerLength, nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := local.Receive(); !errors.Is(err, ErrZeroObject) {
		t.Fatalf("Receive error = %v, want ErrZeroObject", err)
	}
}

func TestReceiveRejectsRuntSize(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	if _, err := remoteSocket.Write(rawFrame(1, 0, 4, nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := local.Receive(); !errors.Is(err, ErrMessageTooShort) {
		t.Fatalf("Receive error = %v, want ErrMessageTooShort", err)
	}
}

func TestFDPassing(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())
	remote := NewConn(remoteSocket, discardLogger())

	local.SetEventFDCount(func(object ObjectID, opcode uint16) int {
		if object == 6 && opcode == 0 {
			return 1
		}
		return 0
	})

	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer pipeRead.Close()

	message := NewMessage(6, 0)
	message.PutString("text/plain")
	message.PutFD(int(pipeWrite.Fd()))
	if err := remote.Send(message); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pipeWrite.Close()

	received, err := local.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	reader := received.Reader()
	if mime, err := reader.String(); err != nil || mime != "text/plain" {
		t.Fatalf("String() = %q, %v", mime, err)
	}
	fd, err := reader.FD()
	if err != nil {
		t.Fatalf("FD: %v", err)
	}

	file := os.NewFile(uintptr(fd), "received")
	if _, err := file.WriteString("ping"); err != nil {
		t.Fatalf("write through received fd: %v", err)
	}
	file.Close()

	contents, err := io.ReadAll(pipeRead)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	if string(contents) != "ping" {
		t.Fatalf("pipe contents = %q, want ping", contents)
	}
}

func TestFDsMatchMessageOrder(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())
	remote := NewConn(remoteSocket, discardLogger())

	local.SetEventFDCount(func(object ObjectID, opcode uint16) int { return 1 })

	type pipePair struct {
		read  *os.File
		write *os.File
	}
	var pipes []pipePair
	for range 2 {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer r.Close()
		pipes = append(pipes, pipePair{read: r, write: w})
	}

	for i, pair := range pipes {
		message := NewMessage(ObjectID(10+i), 0)
		message.PutFD(int(pair.write.Fd()))
		if err := remote.Send(message); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		pair.write.Close()
	}

	// Each received message must carry the descriptor that was sent
	// with it, not merely some descriptor.
	for i, pair := range pipes {
		received, err := local.Receive()
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if received.Object != ObjectID(10+i) {
			t.Fatalf("Receive %d: object %d, want %d", i, received.Object, 10+i)
		}
		fd, err := received.TakeFD()
		if err != nil {
			t.Fatalf("TakeFD %d: %v", i, err)
		}
		file := os.NewFile(uintptr(fd), "received")
		if _, err := file.WriteString(string(rune('a' + i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		file.Close()

		contents, err := io.ReadAll(pair.read)
		if err != nil {
			t.Fatalf("read pipe %d: %v", i, err)
		}
		if want := string(rune('a' + i)); string(contents) != want {
			t.Fatalf("pipe %d contents = %q, want %q", i, contents, want)
		}
	}
}

func TestReceiveFDShortfall(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())
	remote := NewConn(remoteSocket, discardLogger())

	local.SetEventFDCount(func(object ObjectID, opcode uint16) int { return 1 })

	if err := remote.Send(NewMessage(7, 0)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := local.Receive(); !errors.Is(err, ErrNoFD) {
		t.Fatalf("Receive error = %v, want ErrNoFD", err)
	}
}

func TestCloseReleasesQueuedFDs(t *testing.T) {
	t.Parallel()

	localSocket, remoteSocket := socketPair(t)
	local := NewConn(localSocket, discardLogger())
	remote := NewConn(remoteSocket, discardLogger())

	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer pipeRead.Close()

	message := NewMessage(8, 0)
	message.PutFD(int(pipeWrite.Fd()))
	if err := remote.Send(message); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pipeWrite.Close()

	// Without a descriptor signature the fd stays queued on the
	// connection rather than attaching to the message.
	if _, err := local.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	local.recvMu.Lock()
	queued := append([]int(nil), local.pendingFDs...)
	local.recvMu.Unlock()
	if len(queued) != 1 {
		t.Fatalf("queued fds = %d, want 1", len(queued))
	}

	if err := local.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(queued[0]), unix.F_GETFD, 0); err != unix.EBADF {
		t.Fatalf("queued fd still open after Close: fcntl err = %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	localSocket, _ := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	if err := local.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := local.Send(NewMessage(1, 0)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send error = %v, want ErrConnClosed", err)
	}
}

func TestReceiveAfterClose(t *testing.T) {
	t.Parallel()

	localSocket, _ := socketPair(t)
	local := NewConn(localSocket, discardLogger())

	if err := local.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := local.Receive(); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Receive error = %v, want ErrConnClosed", err)
	}
	if err := local.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDialResolvesDisplay(t *testing.T) {
	dir := testutil.SocketDir(t)
	t.Setenv("XDG_RUNTIME_DIR", dir)
	t.Setenv("WAYLAND_DISPLAY", "wayland-9")

	listener, err := net.ListenUnix("unix", &net.UnixAddr{
		Name: filepath.Join(dir, "wayland-9"),
		Net:  "unix",
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		accepted <- err
	}()

	conn, err := Dial(discardLogger(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := testutil.RequireReceive(t, accepted, 5*time.Second, "compositor accept"); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestDialAbsolutePath(t *testing.T) {
	t.Parallel()

	dir := testutil.SocketDir(t)
	path := filepath.Join(dir, "compositor.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		if conn, err := listener.Accept(); err == nil {
			conn.Close()
		}
	}()

	conn, err := Dial(discardLogger(), path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}
