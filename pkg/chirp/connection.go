package chirp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"

	"github.com/chirp-project/chirp/pkg/slotpool"
	"github.com/chirp-project/chirp/pkg/wire"
)

// readerPhase is the state machine spec.md §4.3 describes, driving what the
// next bytes off the wire mean.
type readerPhase int

const (
	phHandshake readerPhase = iota
	phWait
	phSlot
	phHeader
	phData
)

// connFlag holds Connection's atomic bookkeeping bits, read from both the
// reader goroutine and whichever goroutine calls shutdown/Send.
type connFlag uint32

const (
	cfConnected connFlag = 1 << iota
	cfShuttingDown
	cfStopped
)

// shutdownOpts tunes how shutdown behaves for callers (protocol GC, Remote
// race resolution) that already know the normal reconnect/Remote-retention
// behavior doesn't apply.
type shutdownOpts struct {
	skipDebounce bool // don't block the owning Remote and schedule a reconnect
	freeRemote   bool // forget the owning Remote entirely once this closes
}

// Connection is one TCP (optionally TLS) socket, either newly accepted or
// freshly dialed, from handshake through close. Writer state (the message
// currently being written and its send timeout) lives directly on
// Connection rather than a separate type — chirp only ever has one message
// in flight per connection, so the extra indirection bought nothing.
//
// See SPEC_FULL.md §0: per-connection reader and writer goroutines instead
// of routing everything through one central event loop, in the style of
// this pack's smux.Session and nsq.Conn.
type Connection struct {
	proto *Protocol
	rw    net.Conn
	log   zerolog.Logger
	tag   string

	outgoing  bool // true if this side dialed out
	encrypted bool

	pool *slotpool.Pool

	remote atomic.Pointer[Remote]

	flagsVal atomic.Uint32

	remoteIdentity wire.Identity
	peerPort       uint16

	lastActivity atomic.Int64
	createdAt    time.Time

	connectTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}

	// writer state
	wrMu      sync.Mutex
	wrCurrent *Message
	wrTimer   *time.Timer
	writeCh   chan *Message

	// reader state, touched only by readLoop
	rd struct {
		phase   readerPhase
		scratch [wire.HeaderSize]byte
		fill    int
		hdr     wire.Header
		slot    *slotpool.Slot
		remain  int
	}

	// resumeMu/resumeCh implement the back-pressure park/resume described in
	// spec.md §4.3: readLoop blocks on resumeCh while cfStopped is set, and
	// maybeResume closes it once a slot frees up.
	resumeMu sync.Mutex
	resumeCh chan struct{}
}

func newConnection(proto *Protocol, rw net.Conn, incoming bool, encrypted bool) *Connection {
	tag := fmt.Sprintf("%08x", xxhash.ChecksumString64(rw.RemoteAddr().String())&0xffffffff)
	c := &Connection{
		proto:     proto,
		rw:        rw,
		outgoing:  !incoming,
		encrypted: encrypted,
		pool:      slotpool.New(proto.cfg.effectiveMaxSlots()),
		closed:    make(chan struct{}),
		writeCh:   make(chan *Message, 1),
		tag:       tag,
		createdAt: time.Now(),
	}
	c.log = proto.log.With().Str("conn", tag).Bool("incoming", incoming).Logger()
	c.lastActivity.Store(time.Now().UnixNano())
	c.rd.phase = phHandshake
	return c
}

func (c *Connection) setFlag(f connFlag)      { c.flagsVal.Or(uint32(f)) }
func (c *Connection) clearFlag(f connFlag)    { c.flagsVal.And(^uint32(f)) }
func (c *Connection) hasFlag(f connFlag) bool { return c.flagsVal.Load()&uint32(f) != 0 }

func (c *Connection) isConnected() bool     { return c.hasFlag(cfConnected) }
func (c *Connection) isShuttingDown() bool  { return c.hasFlag(cfShuttingDown) }
func (c *Connection) isStopped() bool       { return c.hasFlag(cfStopped) }

func (c *Connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Connection) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Connection) setRemote(r *Remote) { c.remote.Store(r) }

// markOld tags conn as superseded by a network race so the GC sweep reaps
// it after a grace period instead of yanking it out from under any
// in-flight callback, per spec.md §4.9. The caller has already detached r
// from conn (or never attached it in the first place); this only forgets
// conn's Remote backpointer, so it stops refreshing r's liveness timestamp,
// and starts its own idle clock so gcSweep reaps it once idleFor() exceeds
// REUSE_TIME.
func (c *Connection) markOld(r *Remote) {
	c.remote.Store(nil)
	c.touch()
}

// start performs the handshake write, arms the connect timeout (outgoing
// connections only), and launches the reader and writer goroutines.
func (c *Connection) start() {
	hs := wire.Handshake{Port: c.proto.cfg.Port, Identity: c.proto.chirp.identity}
	var buf [wire.HandshakeSize]byte
	hs.Encode(buf[:])
	if _, err := c.rw.Write(buf[:]); err != nil {
		c.shutdown(UVError, err, shutdownOpts{})
		return
	}

	c.setFlag(cfConnected)
	c.proto.chirp.metrics.m().connections_opened_total.Inc()

	if c.outgoing {
		c.connectTimer = time.AfterFunc(c.proto.cfg.Timeout, func() {
			c.shutdown(Timeout, errors.New("connect timeout"), shutdownOpts{})
		})
	}

	go c.writeLoop()
	go c.readLoop()
}

// onHandshakeDecoded is called once the 18-byte handshake has arrived from
// the peer. It cancels the connect timeout and asks Protocol to attach this
// connection to its Remote (resolving a network race if one exists).
func (c *Connection) onHandshakeDecoded(hs wire.Handshake) {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
	}
	c.remoteIdentity = hs.Identity
	c.peerPort = hs.Port
	c.proto.onHandshakeComplete(c, hs.Port)
}

// writerBusy reports whether a message is currently being written.
func (c *Connection) writerBusy() bool {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	return c.wrCurrent != nil
}

// startWrite hands m to the writer goroutine and arms its send timeout. It
// is a programming error to call this while the writer is already busy;
// Remote.processQueuesLocked guarantees that never happens.
func (c *Connection) startWrite(m *Message) {
	c.wrMu.Lock()
	if c.wrCurrent != nil {
		c.wrMu.Unlock()
		panic("chirp: startWrite called while writer busy")
	}
	c.wrCurrent = m
	c.wrTimer = time.AfterFunc(c.proto.cfg.Timeout, func() { c.onSendTimeout(m) })
	c.wrMu.Unlock()
	select {
	case c.writeCh <- m:
	case <-c.closed:
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case m, ok := <-c.writeCh:
			if !ok {
				return
			}
			c.writeOne(m)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeOne(m *Message) {
	hdr := wire.Header{
		Identity:  m.Identity,
		Serial:    m.Serial,
		Type:      m.Type,
		HeaderLen: uint16(len(m.Header)),
		DataLen:   uint32(len(m.Data)),
	}
	var hb [wire.HeaderSize]byte
	hdr.Encode(hb[:])

	bufs := net.Buffers{append([]byte(nil), hb[:]...), m.Header, m.Data}
	_, err := bufs.WriteTo(c.rw)
	if m.isNoop() {
		c.proto.chirp.metrics.m().noops_sent_total.Inc()
	} else if !m.isAck() {
		m.sentAt = time.Now()
	}
	c.onWriteDone(m, err)
}

func (c *Connection) onWriteDone(m *Message, err error) {
	if err != nil {
		c.shutdown(WriteError, err, shutdownOpts{})
		return
	}
	m.set(flagWriteDone)
	if !m.reqAck() {
		m.set(flagACKReceived)
	}
	c.touch()
	if remote := c.remote.Load(); remote != nil {
		remote.touch()
	}
	c.tryComplete(m)
}

func (c *Connection) onSendTimeout(m *Message) {
	c.shutdown(Timeout, errors.New("send timeout"), shutdownOpts{})
}

// onAck handles a received ACK header: if it matches the owning Remote's
// outstanding wait_ack_message, the send completes successfully.
func (c *Connection) onAck(hdr wire.Header) {
	remote := c.remote.Load()
	if remote == nil {
		return
	}
	remote.mu.Lock()
	m := remote.waitAckMessage
	matches := m != nil && m.Identity == hdr.Identity
	if matches {
		remote.waitAckMessage = nil
	}
	remote.mu.Unlock()
	c.proto.chirp.metrics.m().acks_received_total.Inc()
	if !matches {
		return
	}
	if !m.sentAt.IsZero() {
		c.proto.chirp.metrics.m().send_to_ack_latency_seconds.Update(time.Since(m.sentAt).Seconds())
	}
	m.set(flagACKReceived)
	c.tryComplete(m)
}

func (c *Connection) onNoop() {
	if remote := c.remote.Load(); remote != nil {
		remote.touch()
	}
}

// tryComplete finishes m once both WRITE_DONE and ACK_RECEIVED are set:
// stops the send timer, clears the writer's current-message slot, invokes
// the user's send callback, and re-invites the Remote dispatcher to send
// whatever's next.
func (c *Connection) tryComplete(m *Message) {
	if !m.has(flagWriteDone) || !m.has(flagACKReceived) {
		return
	}
	c.wrMu.Lock()
	if c.wrCurrent == m {
		c.wrCurrent = nil
		if c.wrTimer != nil {
			c.wrTimer.Stop()
			c.wrTimer = nil
		}
	}
	c.wrMu.Unlock()
	completeSend(c.proto.chirp.metrics.m(), m, Success, nil)
	if remote := c.remote.Load(); remote != nil {
		remote.processQueues()
	}
}

// sendAck enqueues a fresh ACK message echoing identity onto the owning
// Remote's control queue. Each ACK gets its own small allocation rather
// than reusing a single per-connection object: the control queue can hold
// more than one pending ACK at a time, and Go's GC makes the per-ack
// allocation cheap enough that the reuse trick the original C
// implementation relies on isn't worth the aliasing hazard here.
func (c *Connection) sendAck(identity wire.Identity) {
	remote := c.remote.Load()
	if remote == nil {
		return
	}
	ack := &Message{Identity: identity, Type: wire.Ack}
	remote.enqueueControl(ack)
	c.proto.chirp.metrics.m().acks_sent_total.Inc()
}

// maybeResume clears cfStopped and wakes the reader once the pool is no
// longer exhausted, per spec.md §4.3's back-pressure resume rule.
func (c *Connection) maybeResume() {
	if c.isStopped() && !c.pool.IsExhausted() {
		c.resumeMu.Lock()
		if c.resumeCh != nil {
			close(c.resumeCh)
			c.resumeCh = nil
		}
		c.resumeMu.Unlock()
		c.clearFlag(cfStopped)
	}
}

func (c *Connection) park() {
	c.resumeMu.Lock()
	c.resumeCh = make(chan struct{})
	ch := c.resumeCh
	c.resumeMu.Unlock()
	c.setFlag(cfStopped)
	select {
	case <-ch:
	case <-c.closed:
	}
}

// readLoop is the outer pump: read a chunk, feed it to the state machine,
// park if the state machine asked for back-pressure, repeat. spec.md §4.3
// calls out that this same feed() logic runs from two resumption points (a
// plain socket read and a TLS-decrypted read); in this implementation
// crypto/tls's net.Conn already presents a uniform Read, so there is only
// one call site.
func (c *Connection) readLoop() {
	buf := make([]byte, c.proto.cfg.effectiveBufferSize())
	for {
		n, err := c.rw.Read(buf)
		if err != nil {
			c.shutdown(kindForReadErr(err), err, shutdownOpts{})
			return
		}
		c.feed(buf[:n])
		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func kindForReadErr(err error) ErrorKind {
	if errors.Is(err, net.ErrClosed) {
		return Shutdown
	}
	return UVError
}

// feed drives the reader state machine over data, per spec.md §4.3.
// Acquiring a slot and the subsequent HEADER/DATA phases are a single pass
// through this loop with no bytes consumed at the SLOT transition itself.
func (c *Connection) feed(data []byte) {
	for len(data) > 0 {
		switch c.rd.phase {
		case phHandshake:
			n := copy(c.rd.scratch[c.rd.fill:wire.HandshakeSize], data)
			c.rd.fill += n
			data = data[n:]
			if c.rd.fill < wire.HandshakeSize {
				return
			}
			hs, err := wire.DecodeHandshake(c.rd.scratch[:wire.HandshakeSize])
			c.rd.fill = 0
			if err != nil {
				c.shutdown(ProtocolError, err, shutdownOpts{})
				return
			}
			c.rd.phase = phWait
			c.onHandshakeDecoded(hs)

		case phWait:
			n := copy(c.rd.scratch[c.rd.fill:wire.HeaderSize], data)
			c.rd.fill += n
			data = data[n:]
			if c.rd.fill < wire.HeaderSize {
				return
			}
			hdr, _ := wire.DecodeHeader(c.rd.scratch[:wire.HeaderSize])
			c.rd.fill = 0
			if err := c.validateHeader(hdr); err != nil {
				c.shutdown(ProtocolError, err, shutdownOpts{})
				return
			}
			c.rd.hdr = hdr
			switch {
			case hdr.Type&wire.Noop != 0:
				c.onNoop()
			case hdr.Type&wire.Ack != 0:
				c.onAck(hdr)
			default:
				c.rd.phase = phSlot
			}

		case phSlot:
			if c.rd.slot == nil {
				s := c.pool.Acquire()
				if s == nil {
					c.proto.chirp.metrics.m().pool_exhausted_events_total.Inc()
					c.rd.phase = phSlot // retry from here once resumed
					c.park()
					select {
					case <-c.closed:
						return
					default:
					}
					continue
				}
				c.rd.slot = s
			}
			switch {
			case c.rd.hdr.HeaderLen > 0:
				c.rd.phase = phHeader
				c.rd.remain = int(c.rd.hdr.HeaderLen)
			case c.rd.hdr.DataLen > 0:
				c.rd.phase = phData
				c.rd.remain = int(c.rd.hdr.DataLen)
			default:
				c.deliver()
			}

		case phHeader:
			buf := c.rd.slot.HeaderBuf(int(c.rd.hdr.HeaderLen))
			off := int(c.rd.hdr.HeaderLen) - c.rd.remain
			n := copy(buf[off:], data)
			c.rd.remain -= n
			data = data[n:]
			if c.rd.remain > 0 {
				return
			}
			if c.rd.hdr.DataLen > 0 {
				c.rd.phase = phData
				c.rd.remain = int(c.rd.hdr.DataLen)
			} else {
				c.deliver()
			}

		case phData:
			buf := c.rd.slot.DataBuf(int(c.rd.hdr.DataLen))
			off := int(c.rd.hdr.DataLen) - c.rd.remain
			n := copy(buf[off:], data)
			c.rd.remain -= n
			data = data[n:]
			if c.rd.remain > 0 {
				return
			}
			c.deliver()
		}
	}
}

// validateHeader rejects malformed frames per spec.md §4.3's edge cases:
// oversize messages, and ACK/NOOP frames carrying a header, data, or
// REQ_ACK bit they must never carry.
func (c *Connection) validateHeader(hdr wire.Header) error {
	if hdr.Type&(wire.Ack|wire.Noop) != 0 {
		if hdr.HeaderLen != 0 || hdr.DataLen != 0 || hdr.Type&wire.ReqAck != 0 {
			return fmt.Errorf("chirp: malformed control frame (type=%s header_len=%d data_len=%d)", hdr.Type, hdr.HeaderLen, hdr.DataLen)
		}
		return nil
	}
	total := uint64(hdr.HeaderLen) + uint64(hdr.DataLen)
	if total > uint64(c.proto.cfg.MaxMsgSize) {
		return fmt.Errorf("chirp: message of %d bytes exceeds MAX_MSG_SIZE %d", total, c.proto.cfg.MaxMsgSize)
	}
	return nil
}

// deliver hands a fully-received message to the user's receive callback.
// Header/Data reference the slot's buffer directly (no copy) so the
// zero-copy design spec.md's slot pool exists for actually pays off; the
// slot stays pinned until ReleaseMsgSlot.
func (c *Connection) deliver() {
	s := c.rd.slot
	hdr := c.rd.hdr

	m := &Message{
		Identity:       hdr.Identity,
		Serial:         hdr.Serial,
		Type:           hdr.Type,
		IPProtocol:     tcpNetwork(c.rw.RemoteAddr()),
		Port:           c.peerPort,
		RemoteIdentity: c.remoteIdentity,
		slot:           s,
		pool:           c.pool,
		deliveredConn:  c,
	}
	if hdr.HeaderLen > 0 {
		m.Header = s.HeaderBuf(int(hdr.HeaderLen))
	}
	if hdr.DataLen > 0 {
		m.Data = s.DataBuf(int(hdr.DataLen))
	}
	if hdr.Type&wire.ReqAck != 0 {
		m.set(flagSendAck)
	}
	if addr, ok := tcpAddrPort(c.rw.RemoteAddr()); ok {
		m.Address = addr
	}
	m.set(flagHasSlot)
	c.pool.Ref()

	c.rd.slot = nil
	c.rd.phase = phWait
	c.touch()
	if remote := c.remote.Load(); remote != nil {
		remote.touch()
	}

	c.proto.chirp.metrics.m().messages_received_total.Inc()
	c.proto.chirp.dispatchReceive(m)
}

// shutdown idempotently tears this connection down: fails whatever the
// writer was mid-send (or, failing that, the head of the owning Remote's
// queue), detaches from the Remote, closes the socket, and wakes any
// parked reader. Safe to call more than once or concurrently; only the
// first call does anything, per spec.md invariant 5.
func (c *Connection) shutdown(kind ErrorKind, cause error, opts shutdownOpts) {
	c.closeOnce.Do(func() {
		c.setFlag(cfShuttingDown)
		c.proto.removeFromHandshake(c)
		c.proto.removeFromOld(c)

		remote := c.remote.Load()
		if remote != nil {
			remote.mu.Lock()
			if remote.conn == c {
				remote.conn = nil
			}

			c.wrMu.Lock()
			cur := c.wrCurrent
			c.wrCurrent = nil
			if c.wrTimer != nil {
				c.wrTimer.Stop()
				c.wrTimer = nil
			}
			c.wrMu.Unlock()

			switch {
			case cur != nil:
				completeSend(c.proto.chirp.metrics.m(), cur, kind, cause)
				if remote.waitAckMessage == cur {
					remote.waitAckMessage = nil
				}
			case remote.waitAckMessage != nil:
				completeSend(c.proto.chirp.metrics.m(), remote.waitAckMessage, kind, cause)
				remote.waitAckMessage = nil
			case len(remote.cntlMsgQueue) > 0:
				m := remote.cntlMsgQueue[0]
				remote.cntlMsgQueue = remote.cntlMsgQueue[1:]
				completeSend(c.proto.chirp.metrics.m(), m, kind, cause)
			case len(remote.msgQueue) > 0:
				m := remote.msgQueue[0]
				remote.msgQueue = remote.msgQueue[1:]
				completeSend(c.proto.chirp.metrics.m(), m, kind, cause)
			}

			if !opts.skipDebounce {
				remote.debounceLocked()
			}
			remote.mu.Unlock()
		}

		c.clearFlag(cfConnected)
		if c.connectTimer != nil {
			c.connectTimer.Stop()
		}
		_ = c.rw.Close()
		close(c.closed)
		c.maybeResume()

		c.proto.chirp.metrics.m().connections_closed_total.Inc()
		if kind == ProtocolError {
			c.proto.chirp.metrics.m().protocol_errors_total.Inc()
		}
		c.pool.Unref()

		if opts.freeRemote && remote != nil {
			c.proto.forgetRemote(remote)
		}
	})
}
