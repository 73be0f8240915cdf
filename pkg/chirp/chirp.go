package chirp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chirp-project/chirp/pkg/wire"
)

// Chirp is the top-level handle for one identity on the network: it owns
// the listening sockets, every Remote peer record, and the TLS material
// shared across connections. Call Init, then Start, then Send/SendTS as
// needed, and finally Close/CloseTS exactly once.
type Chirp struct {
	cfg      *Config
	identity wire.Identity
	log      zerolog.Logger
	metrics  metricsHolder
	proto    *Protocol
	tlsEnv   *tlsEnv

	recvMu   sync.RWMutex
	recvFunc func(*Message)

	// opsCh is the cross-thread trampoline the *-TS methods use: a call
	// from a goroutine other than the one that owns this Chirp still works
	// correctly either way since every component here is guarded by its own
	// mutex (see SPEC_FULL.md §0), but routing SendTS/ReleaseMsgSlotTS/
	// CloseTS through one dispatcher goroutine preserves the same-thread
	// vs. cross-thread API split the original library exposes.
	opsCh    chan func()
	opsDone  chan struct{}
	startOne sync.Once
	closeOne sync.Once
}

// Init validates cfg (nil means Default()) and constructs a Chirp ready for
// Start. It does not open any sockets yet.
func Init(cfg *Config) (*Chirp, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Chirp{
		cfg: cfg,
		log: defaultLogger(cfg.LogLevel),
	}

	c.identity = cfg.Identity
	if c.identity == (wire.Identity{}) {
		if _, err := rand.Read(c.identity[:]); err != nil {
			return nil, newErr(InitFail, fmt.Errorf("generate identity: %w", err))
		}
	}

	if !cfg.DisableEncryption {
		env, err := acquireTLSEnv(cfg)
		if err != nil {
			return nil, newErr(TLSError, err)
		}
		c.tlsEnv = env
	}

	c.proto = newProtocol(c, cfg)
	return c, nil
}

// Start opens the listening sockets (unless Config.DisableListening),
// starts the GC sweep, and registers recv as the callback invoked for
// every message this instance receives.
func (c *Chirp) Start(recv func(*Message)) error {
	var startErr error
	c.startOne.Do(func() {
		c.recvMu.Lock()
		c.recvFunc = recv
		c.recvMu.Unlock()

		c.opsCh = make(chan func(), 64)
		c.opsDone = make(chan struct{})
		go c.opsLoop()

		if err := c.proto.start(); err != nil {
			startErr = err
		}
	})
	return startErr
}

func (c *Chirp) opsLoop() {
	for {
		select {
		case fn := <-c.opsCh:
			fn()
		case <-c.opsDone:
			return
		}
	}
}

func (c *Chirp) dispatchReceive(m *Message) {
	c.recvMu.RLock()
	fn := c.recvFunc
	c.recvMu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

// Close shuts down every connection and Remote and stops the listeners.
// Safe to call more than once; only the first call does anything.
func (c *Chirp) Close() error {
	c.closeOne.Do(func() {
		c.proto.close()
		if c.opsDone != nil {
			close(c.opsDone)
		}
	})
	return nil
}

// CloseTS is Close, marshalled onto the ops dispatcher goroutine for
// callers on a thread other than the one driving this Chirp instance.
func (c *Chirp) CloseTS() error {
	done := make(chan error, 1)
	c.opsCh <- func() { done <- c.Close() }
	return <-done
}

// remoteFor looks up or creates the Remote for (ipProtocol, address,
// port), the destination triple spec.md §3 keys Remotes by.
func (c *Chirp) remoteFor(ipProtocol string, address netip.Addr, port uint16) *Remote {
	key := remoteKey{ipProtocol: ipProtocol, address: address, port: port}
	c.proto.mu.Lock()
	r, ok := c.proto.remotes[key]
	if !ok {
		r = newRemote(c.proto, key)
		c.proto.remotes[key] = r
	}
	c.proto.mu.Unlock()
	return r
}

// Send enqueues m for delivery to (m.IPProtocol, m.Address, m.Port),
// dialing or reusing a Connection to that Remote as needed. cb fires
// exactly once when the send finally succeeds or fails; cb may be nil if
// the caller doesn't care about the outcome.
func (c *Chirp) Send(m *Message, cb func(*Message, error)) error {
	if m.IPProtocol == "" || !m.Address.IsValid() || m.Port == 0 {
		return newErr(ValueError, errors.New("message must have IPProtocol, Address, and Port set"))
	}
	if uint64(len(m.Header))+uint64(len(m.Data)) > uint64(c.cfg.MaxMsgSize) {
		return newErr(ValueError, errors.New("message exceeds MAX_MSG_SIZE"))
	}
	m.callback = cb
	r := c.remoteFor(m.IPProtocol, m.Address, m.Port)
	r.maybeProbe(c.cfg.ReuseTime)
	r.enqueueData(m)
	return nil
}

// SendTS is Send, marshalled onto the ops dispatcher goroutine.
func (c *Chirp) SendTS(m *Message, cb func(*Message, error)) error {
	done := make(chan error, 1)
	c.opsCh <- func() { done <- c.Send(m, cb) }
	return <-done
}

// ReleaseMsgSlot returns a received message's slot to its pool, sending the
// pending ACK (if the message requested one) and resuming the owning
// connection's reader if it had stopped for back-pressure. Every message
// with HasSlot() true must eventually be released exactly once.
func (c *Chirp) ReleaseMsgSlot(m *Message) error {
	if !m.HasSlot() {
		return newErr(ValueError, errors.New("message has no slot to release"))
	}
	conn := m.deliveredConn
	if m.has(flagSendAck) && conn != nil {
		conn.sendAck(m.Identity)
	}
	pool := m.pool
	slot := m.slot
	m.clear(flagHasSlot)
	m.slot = nil
	pool.Release(slot)
	pool.Unref()
	if conn != nil {
		conn.maybeResume()
	}
	return nil
}

// ReleaseMsgSlotTS is ReleaseMsgSlot, marshalled onto the ops dispatcher
// goroutine.
func (c *Chirp) ReleaseMsgSlotTS(m *Message) error {
	done := make(chan error, 1)
	c.opsCh <- func() { done <- c.ReleaseMsgSlot(m) }
	return <-done
}

// Identity returns this instance's 16-byte peer identity.
func (c *Chirp) Identity() wire.Identity { return c.identity }

// Stats is a point-in-time introspection snapshot, the SPEC_FULL.md §4
// addition standing in for ad hoc debug logging: how many Remotes are
// known and how many currently hold a live Connection.
type Stats struct {
	Remotes           int
	ConnectedRemotes  int
	HandshakingConns  int
	OldConns          int
}

// Stats reports the current size of this instance's Remote/Connection
// bookkeeping, useful for health checks and tests.
func (c *Chirp) Stats() Stats {
	c.proto.mu.Lock()
	defer c.proto.mu.Unlock()
	s := Stats{
		Remotes:          len(c.proto.remotes),
		HandshakingConns: len(c.proto.handshakeConns),
		OldConns:         len(c.proto.oldConnections),
	}
	for _, r := range c.proto.remotes {
		r.mu.Lock()
		if r.conn != nil {
			s.ConnectedRemotes++
		}
		r.mu.Unlock()
	}
	return s
}

// WritePrometheus writes this instance's metrics in Prometheus exposition
// format, per SPEC_FULL.md §1's observability section.
func (c *Chirp) WritePrometheus(w io.Writer) {
	c.metrics.WritePrometheus(w)
}
