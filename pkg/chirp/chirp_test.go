package chirp

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chirp-project/chirp/pkg/wire"
)

// testConfig builds a loopback-only, unencrypted Config on a unique port,
// mirroring the scenario setups in spec.md §8.
func testConfig(t *testing.T, port uint16) *Config {
	t.Helper()
	return &Config{
		ReuseTime:         10 * time.Second,
		Timeout:           2 * time.Second,
		Port:              port,
		Backlog:           16,
		MaxMsgSize:        100 << 20,
		BindV4:            netip.MustParseAddr("127.0.0.1"),
		BindV6:            netip.MustParseAddr("::1"),
		DisableEncryption: true,
		LogLevel:          zerolog.Disabled,
	}
}

var portCounter atomic.Uint32

func nextPort() uint16 {
	return uint16(23000 + portCounter.Add(1))
}

func startChirp(t *testing.T, cfg *Config, recv func(*Message)) *Chirp {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	c, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := c.Start(recv); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func loopback(port uint16) (netip.Addr, uint16) {
	return netip.MustParseAddr("127.0.0.1"), port
}

// Scenario 1 (spec.md §8): echo, async, unencrypted loopback. The server
// observes identity and data; the client's send callback fires SUCCESS; no
// ACK is exchanged because the message never set REQ_ACK.
func TestEchoAsyncUnencryptedLoopback(t *testing.T) {
	serverPort := nextPort()
	recvd := make(chan *Message, 1)
	server := startChirp(t, testConfig(t, serverPort), func(m *Message) {
		recvd <- m
	})

	client := startChirp(t, testConfig(t, nextPort()), func(*Message) {})

	addr, port := loopback(serverPort)
	identity := wire.Identity{0x01, 0x01, 0x01}
	done := make(chan error, 1)
	m := &Message{
		Identity:   identity,
		Data:       []byte("hello"),
		IPProtocol: "tcp4",
		Address:    addr,
		Port:       port,
	}
	if err := client.Send(m, func(_ *Message, err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-recvd:
		if got.Identity != identity {
			t.Fatalf("server saw identity %x, want %x", got.Identity, identity)
		}
		if string(got.Data) != "hello" {
			t.Fatalf("server saw data %q, want %q", got.Data, "hello")
		}
		if got.HasSlot() {
			if err := server.ReleaseMsgSlot(got); err != nil {
				t.Fatalf("ReleaseMsgSlot: %v", err)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send callback never fired")
	}
}

// Scenario 2 (spec.md §8): synchronous request-reply. The server replies
// from inside its receive callback; the client sees exactly one
// ACK-terminated send and one identity-matching received message.
func TestSyncRequestReply(t *testing.T) {
	serverPort := nextPort()

	serverCfg := testConfig(t, serverPort)
	serverCfg.Synchronous = true
	clientCfg := testConfig(t, nextPort())
	clientCfg.Synchronous = true

	var server *Chirp
	replyDone := make(chan error, 1)
	server = startChirp(t, serverCfg, func(m *Message) {
		// Release (and so ACK) the inbound ping before sending the reply:
		// both directions require an ACK to retire their in-flight write,
		// and each Connection only ever has one write in flight, so the
		// ACK for ping must go out on an otherwise-idle writer or the
		// reply's own ACK wait would never be serviced.
		if m.HasSlot() {
			server.ReleaseMsgSlot(m)
		}
		reply := &Message{
			Identity:   m.Identity,
			Data:       []byte("pong"),
			IPProtocol: m.IPProtocol,
			Address:    m.Address,
			Port:       m.Port,
		}
		if err := server.Send(reply, func(_ *Message, err error) { replyDone <- err }); err != nil {
			replyDone <- err
		}
	})

	clientRecvd := make(chan *Message, 1)
	client := startChirp(t, clientCfg, func(m *Message) {
		clientRecvd <- m
	})

	addr, port := loopback(serverPort)
	identity := wire.Identity{0x02, 0x02, 0x02}
	sendDone := make(chan error, 1)
	m := &Message{
		Identity:   identity,
		Data:       []byte("ping"),
		IPProtocol: "tcp4",
		Address:    addr,
		Port:       port,
	}
	if err := client.Send(m, func(_ *Message, err error) { sendDone <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("client send callback error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client send callback never fired")
	}

	select {
	case got := <-clientRecvd:
		if got.Identity != identity {
			t.Fatalf("client saw identity %x, want %x", got.Identity, identity)
		}
		if string(got.Data) != "pong" {
			t.Fatalf("client saw data %q, want %q", got.Data, "pong")
		}
		if got.HasSlot() {
			client.ReleaseMsgSlot(got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never received reply")
	}

	select {
	case err := <-replyDone:
		if err != nil {
			t.Fatalf("server's reply send failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server's reply send callback never fired")
	}
}

// Scenario 3 (spec.md §8): slot exhaustion. With MAX_SLOTS=1, a second send
// only reaches the receive callback after the first slot is released.
func TestSlotExhaustion(t *testing.T) {
	serverPort := nextPort()
	serverCfg := testConfig(t, serverPort)
	serverCfg.MaxSlots = 1

	delivered := make(chan *Message, 2)
	server := startChirp(t, serverCfg, func(m *Message) {
		delivered <- m
	})

	client := startChirp(t, testConfig(t, nextPort()), func(*Message) {})

	addr, port := loopback(serverPort)
	send := func(id byte) chan error {
		done := make(chan error, 1)
		m := &Message{
			Identity:   wire.Identity{id},
			Data:       []byte("payload"),
			IPProtocol: "tcp4",
			Address:    addr,
			Port:       port,
		}
		client.Send(m, func(_ *Message, err error) { done <- err })
		return done
	}

	d1 := send(1)
	select {
	case err := <-d1:
		if err != nil {
			t.Fatalf("first send failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first send never completed")
	}

	var first *Message
	select {
	case first = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("server never delivered first message")
	}

	d2 := send(2)

	select {
	case <-delivered:
		t.Fatal("second message delivered before first slot was released")
	case <-time.After(300 * time.Millisecond):
	}

	if err := server.ReleaseMsgSlot(first); err != nil {
		t.Fatalf("ReleaseMsgSlot: %v", err)
	}

	select {
	case second := <-delivered:
		if second.Identity != (wire.Identity{2}) {
			t.Fatalf("unexpected second message identity %x", second.Identity)
		}
		if second.HasSlot() {
			server.ReleaseMsgSlot(second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second message never delivered after release")
	}

	select {
	case err := <-d2:
		if err != nil {
			t.Fatalf("second send failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second send callback never fired")
	}
}

// Scenario 4 (spec.md §8): connect timeout/refusal against an address with
// nothing listening surfaces CANNOT_CONNECT (or TIMEOUT) within ~1s, and the
// Remote remains usable afterward.
func TestConnectFailureSurfacesQuickly(t *testing.T) {
	cfg := testConfig(t, nextPort())
	cfg.Timeout = 500 * time.Millisecond
	client := startChirp(t, cfg, func(*Message) {})

	addr := netip.MustParseAddr("127.0.0.1")
	m := &Message{
		Identity:   wire.Identity{0x03},
		IPProtocol: "tcp4",
		Address:    addr,
		Port:       1, // nothing listens here
	}
	done := make(chan error, 1)
	if err := client.Send(m, func(_ *Message, err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error, got success")
		}
		var ce *Error
		if e, ok := err.(*Error); ok {
			ce = e
		}
		if ce == nil || (ce.Kind != CannotConnect && ce.Kind != Timeout) {
			t.Fatalf("expected CANNOT_CONNECT or TIMEOUT, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send callback never fired")
	}
}

// Scenario 5 (spec.md §8): a message exceeding the receiver's MAX_MSG_SIZE
// is rejected with a protocol error before a slot is acquired, and the
// receiving Connection is shut down under it. The client runs synchronous so
// its send callback actually waits on an ACK that will now never arrive
// (an async send completes as soon as its bytes hit the local socket,
// before the peer has had any chance to reject the frame).
func TestOversizeMessageRejected(t *testing.T) {
	serverPort := nextPort()
	serverCfg := testConfig(t, serverPort)
	serverCfg.MaxMsgSize = 1024

	delivered := make(chan *Message, 1)
	startChirp(t, serverCfg, func(m *Message) { delivered <- m })

	clientCfg := testConfig(t, nextPort())
	clientCfg.MaxMsgSize = 1 << 20 // client allows larger messages locally
	clientCfg.Synchronous = true
	client := startChirp(t, clientCfg, func(*Message) {})

	addr, port := loopback(serverPort)
	m := &Message{
		Identity:   wire.Identity{0x04},
		Data:       make([]byte, 2000),
		IPProtocol: "tcp4",
		Address:    addr,
		Port:       port,
	}
	done := make(chan error, 1)
	if err := client.Send(m, func(_ *Message, err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the oversize send to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send callback never fired for oversize message")
	}

	select {
	case <-delivered:
		t.Fatal("server should never have delivered the oversize message")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestSendValidation covers the synchronous validation paths Send performs
// before a message is ever queued.
func TestSendValidation(t *testing.T) {
	client := startChirp(t, testConfig(t, nextPort()), func(*Message) {})

	if err := client.Send(&Message{}, nil); err == nil {
		t.Fatal("expected error for message with no destination")
	}

	big := &Message{
		IPProtocol: "tcp4",
		Address:    netip.MustParseAddr("127.0.0.1"),
		Port:       1234,
		Data:       make([]byte, int(client.cfg.MaxMsgSize)+1),
	}
	if err := client.Send(big, nil); err == nil {
		t.Fatal("expected error for oversize local send")
	}
}

// TestStatsReflectsRemotes exercises the Stats() introspection accessor
// after a successful handshake.
func TestStatsReflectsRemotes(t *testing.T) {
	serverPort := nextPort()
	startChirp(t, testConfig(t, serverPort), func(*Message) {})
	client := startChirp(t, testConfig(t, nextPort()), func(*Message) {})

	addr, port := loopback(serverPort)
	done := make(chan error, 1)
	m := &Message{
		Identity:   wire.Identity{0x05},
		Data:       []byte("x"),
		IPProtocol: "tcp4",
		Address:    addr,
		Port:       port,
	}
	client.Send(m, func(_ *Message, err error) { done <- err })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}

	st := client.Stats()
	if st.Remotes == 0 {
		t.Fatalf("expected at least one known remote, got %+v", st)
	}
}
