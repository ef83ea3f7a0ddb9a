package session

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/outbound"
	"github.com/matst80/vlessedge/internal/proto"
)

const token = "72929692-e992-470d-9549-6e75b21ac62e"

func handshake(t *testing.T, version byte, id identity.Identity, cmd proto.Command, dest proto.Destination, payload []byte) []byte {
	t.Helper()
	hdr, err := proto.EncodeHeader(version, id, cmd, dest, nil)
	require.NoError(t, err)
	return append(hdr, payload...)
}

func serve(s *Session) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	return done
}

func waitServe(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func recvFrame(t *testing.T, ch *fakeChannel) []byte {
	t.Helper()
	select {
	case f := <-ch.out:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame sent to client")
		return nil
	}
}

func acceptOutbound(t *testing.T, o *pipeOpener) net.Conn {
	t.Helper()
	select {
	case c := <-o.opened:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("outbound never opened")
		return nil
	}
}

func TestTCPSessionRelaysAndClosesOnce(t *testing.T) {
	ch, opener, tracker := newFakeChannel(), newPipeOpener(), &fakeTracker{}
	s := New(ch, opener, Config{Identity: token, Tracker: tracker})
	dest := proto.Destination{Host: "example.com", Port: 443}
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, dest, []byte("GET /"))
	done := serve(s)

	remote := acceptOutbound(t, opener)
	got := make([]byte, 5)
	_, err := io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("GET /"), got)

	opener.mu.Lock()
	assert.Equal(t, dest, opener.dest)
	assert.Equal(t, proto.CommandTCP, opener.cmd)
	opener.mu.Unlock()
	assert.Equal(t, StateRelaying, s.State())
	assert.Equal(t, ModeTCP, s.Mode())
	assert.Equal(t, int32(1), tracker.tracked.Load())

	_, err = remote.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 'h', 'e', 'l', 'l', 'o'}, recvFrame(t, ch))

	_, err = remote.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), recvFrame(t, ch))

	// client goes away mid-relay
	close(ch.in)
	require.NoError(t, waitServe(t, done))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(1), opener.local.closes.Load())
	code, _ := ch.closeFrame()
	assert.Equal(t, websocket.CloseNormalClosure, code)

	s.Close()
	s.Close()
	assert.Equal(t, int32(1), opener.local.closes.Load())
	assert.Equal(t, int32(1), tracker.untracked.Load())
}

func TestInboundByteOrderPreserved(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: token, QueueSize: 4})

	first := frand.Bytes(100)
	want := append([]byte{}, first...)
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, proto.Destination{Host: "192.0.2.1", Port: 22}, first)
	for i := 0; i < 100; i++ {
		f := frand.Bytes(frand.Intn(2048))
		want = append(want, f...)
		ch.in <- f
	}
	done := serve(s)

	remote := acceptOutbound(t, opener)
	got := make([]byte, len(want))
	_, err := io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "outbound bytes differ from frame concatenation")

	close(ch.in)
	require.NoError(t, waitServe(t, done))
}

func TestHandshakeFailuresNeverOpenOutbound(t *testing.T) {
	id := identity.MustParse(token)
	cases := []struct {
		name  string
		frame []byte
		want  error
		kind  string
	}{
		{"udp port", handshake(t, 0, id, proto.CommandUDP, proto.Destination{Host: "8.8.8.8", Port: 5353}, nil), ErrUnsupportedDatagramPort, "unsupported_datagram_port"},
		{"identity", handshake(t, 0, identity.Random(), proto.CommandTCP, proto.Destination{Host: "example.com", Port: 443}, nil), identity.ErrRejected, "identity_rejected"},
		{"malformed", []byte{0, 1, 2, 3}, proto.ErrMalformedHeader, "malformed_header"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, opener := newFakeChannel(), newPipeOpener()
			s := New(ch, opener, Config{Identity: token})
			ch.in <- tc.frame

			err := waitServe(t, serve(s))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.kind, ErrorType(err))
			assert.Equal(t, int32(0), opener.calls.Load())
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, ModeUninitialized, s.Mode())

			code, text := ch.closeFrame()
			assert.Equal(t, websocket.CloseInternalServerErr, code)
			assert.NotEmpty(t, text)
		})
	}
}

func TestInvalidConfiguredIdentity(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: "not-a-uuid"})
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, proto.Destination{Host: "example.com", Port: 443}, nil)

	err := waitServe(t, serve(s))
	assert.True(t, errors.Is(err, identity.ErrInvalidToken))
	assert.Equal(t, int32(0), opener.calls.Load())
}

func TestOutboundUnreachableClosesChannel(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	opener.err = errors.Wrap(outbound.ErrUnreachable, "dial example.com:443: refused")
	s := New(ch, opener, Config{Identity: token})
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, proto.Destination{Host: "example.com", Port: 443}, nil)

	err := waitServe(t, serve(s))
	assert.True(t, errors.Is(err, outbound.ErrUnreachable))
	assert.Equal(t, "outbound_unreachable", ErrorType(err))
	code, text := ch.closeFrame()
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Contains(t, text, "outbound unreachable")
}

func TestOutboundCloseEndsSessionWithError(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: token})
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, proto.Destination{Host: "example.com", Port: 80}, nil)
	done := serve(s)

	remote := acceptOutbound(t, opener)
	require.NoError(t, remote.Close())

	err := waitServe(t, done)
	assert.True(t, errors.Is(err, errOutboundClosed))
	code, text := ch.closeFrame()
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "outbound closed", text)
	assert.Equal(t, int32(1), opener.local.closes.Load())

	// nothing was relayed, so no response header was sent
	assert.Len(t, ch.out, 0)
}

func TestDNSSessionFramesAnswer(t *testing.T) {
	answer := frand.Bytes(48)
	ch := newFakeChannel()
	connector := outbound.NewConnector(nil, staticResolver{answer: answer})
	s := New(ch, connector, Config{Identity: token})

	query, err := proto.AppendPacket(nil, frand.Bytes(29))
	require.NoError(t, err)
	ch.in <- handshake(t, 1, identity.MustParse(token), proto.CommandUDP, proto.Destination{Host: "8.8.8.8", Port: 53}, query)
	done := serve(s)

	want := append([]byte{1, 0, 0, byte(len(answer))}, answer...)
	assert.Equal(t, want, recvFrame(t, ch))
	assert.Equal(t, ModeDNS, s.Mode())

	// later queries carry no response header
	ch.in <- query
	assert.Equal(t, want[2:], recvFrame(t, ch))

	close(ch.in)
	require.NoError(t, waitServe(t, done))
}

func TestChannelClosedBeforeHandshake(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: token})
	close(ch.in)

	require.NoError(t, waitServe(t, serve(s)))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(0), opener.calls.Load())
}

func TestCloseReasonTruncated(t *testing.T) {
	long := errors.New(string(bytes.Repeat([]byte("x"), 300)))
	assert.Len(t, CloseReason(long), 123)
	assert.Equal(t, "short", CloseReason(errors.New("short")))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "relaying", StateRelaying.String())
	assert.Equal(t, "dns", ModeDNS.String())
	assert.Equal(t, "none", ErrorType(nil))
	assert.Equal(t, "internal", ErrorType(errors.New("boom")))
}

func TestHandshakeTimeoutClosesSilentChannel(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: token, HandshakeTimeout: 50 * time.Millisecond})

	err := waitServe(t, serve(s))
	require.Error(t, err)
	assert.Equal(t, "handshake_timeout", ErrorType(err))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(0), opener.calls.Load())

	code, text := ch.closeFrame()
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "handshake timeout", text)
}

func TestHandshakeDeadlineClearedOnceRelaying(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	s := New(ch, opener, Config{Identity: token, HandshakeTimeout: 50 * time.Millisecond})
	dest := proto.Destination{Host: "example.com", Port: 443}
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, dest, nil)
	done := serve(s)

	remote := acceptOutbound(t, opener)
	defer remote.Close()
	require.Eventually(t, func() bool { return ch.readDeadline().IsZero() }, time.Second, 5*time.Millisecond)

	// a relaying session outlives the handshake timeout
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateRelaying, s.State())

	ch.in <- []byte("late")
	got := make([]byte, 4)
	_, err := io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))

	close(ch.in)
	require.NoError(t, waitServe(t, done))
}

func TestCloseDuringTrackUntracksAfterwards(t *testing.T) {
	ch, opener := newFakeChannel(), newPipeOpener()
	tracker := &orderedTracker{onTrack: func(s *Session) {
		go s.Close()
		time.Sleep(50 * time.Millisecond)
	}}
	s := New(ch, opener, Config{Identity: token, Tracker: tracker})
	dest := proto.Destination{Host: "example.com", Port: 443}
	ch.in <- handshake(t, 0, identity.MustParse(token), proto.CommandTCP, dest, nil)

	require.NoError(t, waitServe(t, serve(s)))
	assert.Equal(t, []string{"track", "untrack"}, tracker.snapshot())
}
