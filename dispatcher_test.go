package goftp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal stand-in for a control connection peer, grounded
// on the net.Listen+textproto read loop jlaffaye/ftp's ftpMock uses to
// script server behavior in tests, adapted to net.Pipe since the
// dispatcher only needs an io.ReadWriteCloser.
type fakeServer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{conn: conn, r: bufio.NewReader(conn)}
}

func (s *fakeServer) readCmd(t *testing.T) string {
	t.Helper()
	line, err := s.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

func (s *fakeServer) reply(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := s.conn.Write([]byte(l + "\r\n"))
		require.NoError(t, err)
	}
}

func drain(t *testing.T, ch <-chan Result) []Result {
	t.Helper()
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestDispatcherSingleCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	stream := d.Send("NOOP", false)

	assert.Equal(t, "NOOP", srv.readCmd(t))
	srv.reply(t, "200 ok")

	out := drain(t, stream)
	require.Len(t, out, 1)
	assert.Equal(t, 200, out[0].Code)
	assert.NoError(t, out[0].Err)
}

func TestDispatcherFIFOOrdering(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	a := d.Send("CMDA", false)
	assert.Equal(t, "CMDA", srv.readCmd(t))

	b := d.Send("CMDB", false)

	srv.reply(t, "200 a done")
	drain(t, a)

	assert.Equal(t, "CMDB", srv.readCmd(t))
	srv.reply(t, "200 b done")
	drain(t, b)
}

func TestDispatcherPromotionJumpsQueueNotInFlight(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)

	a := d.Send("CMDA", false)
	assert.Equal(t, "CMDA", srv.readCmd(t), "A dispatches immediately, queue empty")

	b := d.Send("CMDB", false)
	c := d.Send("CMDC", true) // promoted: must land ahead of B, never ahead of A (already in flight)

	srv.reply(t, "200 a done")
	drain(t, a)

	assert.Equal(t, "CMDC", srv.readCmd(t), "promoted C jumps ahead of B")
	srv.reply(t, "200 c done")
	drain(t, c)

	assert.Equal(t, "CMDB", srv.readCmd(t))
	srv.reply(t, "200 b done")
	drain(t, b)
}

func TestDispatcherPreliminaryThenTerminal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	stream := d.Send("RETR foo", false)

	assert.Equal(t, "RETR foo", srv.readCmd(t))
	srv.reply(t, "150 opening data connection")
	srv.reply(t, "226 transfer complete")

	out := drain(t, stream)
	require.Len(t, out, 2)
	assert.Equal(t, 150, out[0].Code)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, 226, out[1].Code)
	assert.NoError(t, out[1].Err)
}

func TestDispatcherErrorReplyCarriesProtocolError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	stream := d.Send("DELE missing", false)

	assert.Equal(t, "DELE missing", srv.readCmd(t))
	srv.reply(t, "550 No such file")

	out := drain(t, stream)
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
	assert.True(t, IsProtocolError(out[0].Err, 550))
}

func TestDispatcherUnsolicitedReplySurfacesSessionError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	var gotErr error
	errCh := make(chan struct{}, 1)
	d := NewDispatcher(client)
	d.OnSessionError = func(err error) {
		gotErr = err
		errCh <- struct{}{}
	}

	srv.reply(t, "421 Service not available")

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSessionError was not invoked")
	}
	require.Error(t, gotErr)
	assert.True(t, IsProtocolError(gotErr, 421))
}

func TestDispatcherKeepaliveInjectsNOOPWhenIdle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client, WithKeepalive(20*time.Millisecond))
	defer d.Destroy()

	cmdCh := make(chan string, 1)
	go func() { cmdCh <- srv.readCmd(t) }()

	select {
	case cmd := <-cmdCh:
		assert.Equal(t, "NOOP", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive NOOP was never sent")
	}
}

func TestDispatcherAbortPromotesAndFiresCallback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	var aborted bool
	d.OnAbortSent = func() { aborted = true }

	a := d.Send("RETR big", false)
	assert.Equal(t, "RETR big", srv.readCmd(t))

	// ABOR queued behind nothing-in-flight-visible, but promoted ahead of
	// anything else queued after RETR dispatched.
	abortStream := d.Send("ABOR", true)

	srv.reply(t, "426 transfer aborted")
	drain(t, a)

	assert.Equal(t, "ABOR", srv.readCmd(t))
	assert.True(t, aborted)
	srv.reply(t, "226 abort ok")
	drain(t, abortStream)
}

func TestDispatcherEndDrainsQueueThenCloses(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	srv := newFakeServer(server)

	d := NewDispatcher(client)
	a := d.Send("QUIT-PREP", false)
	assert.Equal(t, "QUIT-PREP", srv.readCmd(t))

	d.End()
	srv.reply(t, "200 ok")
	drain(t, a)

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not close after queue drained")
	}
}

func TestDispatcherDestroyFailsPendingImmediately(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	_ = newFakeServer(server)

	d := NewDispatcher(client)
	a := d.Send("SLOW", false)

	d.Destroy()

	out := drain(t, a)
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
}
