package chirp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fastrand"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Protocol owns the two listening sockets, the set of Remotes, the set of
// connections mid-handshake, the set of superseded ("old") connections
// awaiting garbage collection, the reconnect rate limiter, and the GC
// loop; reconnect timers are armed per Remote by pushReconnect. See SPEC_FULL.md §0 for why its top-level collections
// are guarded by one mutex instead of routed through a single loop
// goroutine.
type Protocol struct {
	chirp *Chirp
	cfg   *Config
	log   zerolog.Logger

	ln4, ln6 net.Listener

	mu             sync.Mutex
	remotes        map[remoteKey]*Remote
	handshakeConns map[*Connection]struct{}
	oldConnections map[*Connection]struct{}

	gcStop chan struct{}

	// reconnectLimiter smooths the rate at which pushReconnect schedules
	// retries when many Remotes fail at once (e.g. a peer network blip),
	// borrowed from the token-bucket pacing this pack's nishisan-dev-n-backup
	// module uses for its own backoff.
	reconnectLimiter *rate.Limiter

	closing bool
}

func newProtocol(c *Chirp, cfg *Config) *Protocol {
	return &Protocol{
		chirp:            c,
		cfg:              cfg,
		log:              c.log.With().Str("component", "protocol").Logger(),
		remotes:          make(map[remoteKey]*Remote),
		handshakeConns:   make(map[*Connection]struct{}),
		oldConnections:   make(map[*Connection]struct{}),
		gcStop:           make(chan struct{}),
		reconnectLimiter: rate.NewLimiter(rate.Limit(20), 20),
	}
}

// start opens the dual-stack listeners (unless DisableListening is set),
// begins accepting, and starts the GC sweep ticker.
func (p *Protocol) start() error {
	if !p.cfg.DisableListening {
		ln4, err := p.listen("tcp4")
		if err != nil {
			return newErr(CannotConnect, err)
		}
		p.ln4 = ln4
		ln6, err := p.listen("tcp6")
		if err != nil {
			p.log.Warn().Err(err).Msg("ipv6 listener unavailable, continuing ipv4-only")
		} else {
			p.ln6 = ln6
		}
		go p.acceptLoop(p.ln4)
		if p.ln6 != nil {
			go p.acceptLoop(p.ln6)
		}
	}
	go p.gcLoop()
	return nil
}

// listen binds network (tcp4 or tcp6) on Config.Port, applying IPV6_V6ONLY
// via golang.org/x/sys/unix the way this pack's examples reach for raw
// socket options instead of hand-parsing /proc, and wraps the result in
// netutil.LimitListener to cap the number of simultaneously open accepted
// connections (handshaking or not) at Config.Backlog.
func (p *Protocol) listen(network string) (net.Listener, error) {
	bind := p.cfg.BindV4
	if network == "tcp6" {
		bind = p.cfg.BindV6
	}
	addr := net.JoinHostPort(bind.String(), fmt.Sprintf("%d", p.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	if network == "tcp6" {
		if tc, ok := ln.(*net.TCPListener); ok {
			if raw, err := tc.SyscallConn(); err == nil {
				_ = raw.Control(func(fd uintptr) {
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				})
			}
		}
	}
	return netutil.LimitListener(ln, int(p.cfg.Backlog)), nil
}

func (p *Protocol) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			p.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		p.handleIncoming(nc)
	}
}

// handleIncoming wraps an accepted net.Conn in TLS when encryption applies
// (spec.md §4.2's "loopback connections are never encrypted unless
// AlwaysEncrypt" rule) and spins up a Connection in the START/HANDSHAKE
// reader phase.
func (p *Protocol) handleIncoming(nc net.Conn) {
	encrypt := p.shouldEncrypt(nc.RemoteAddr())
	if encrypt && p.chirp.tlsEnv != nil {
		nc = tls.Server(nc, p.chirp.tlsEnv.serverConfig())
	}
	conn := newConnection(p, nc, true, encrypt)
	p.mu.Lock()
	p.handshakeConns[conn] = struct{}{}
	p.mu.Unlock()
	conn.start()
}

func (p *Protocol) shouldEncrypt(addr net.Addr) bool {
	if p.cfg.AlwaysEncrypt {
		return !p.cfg.DisableEncryption
	}
	if p.cfg.DisableEncryption {
		return false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return true
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// dialRemoteLocked initiates an outbound connection for r. Caller must hold
// r.mu (it is always invoked from processQueuesLocked or the reconnect
// timer's unblock path). The actual dial happens on its own goroutine so
// the Remote's mutex is never held across blocking network I/O, per
// SPEC_FULL.md §0.
func (p *Protocol) dialRemoteLocked(r *Remote) {
	r.flags |= remoteConnBlocked
	nCntl := len(r.cntlMsgQueue)
	nData := len(r.msgQueue)
	go p.dialRemote(r, nCntl, nData)
}

// dialRemote dials out for r. nCntl/nData are the lengths of r's control and
// data queues at the moment this attempt was started: on failure only that
// many leading messages are failed (spec.md §7 Recovery: "queued messages
// remain queued and are sent on the new Connection"), leaving anything
// enqueued during the dial queued for the post-debounce redial.
func (p *Protocol) dialRemote(r *Remote, nCntl, nData int) {
	addr := net.JoinHostPort(r.key.address.String(), fmt.Sprintf("%d", r.key.port))
	network := "tcp4"
	if r.key.address.Is6() && !r.key.address.Is4In6() {
		network = "tcp6"
	}
	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	nc, err := dialer.Dial(network, addr)
	if err != nil {
		r.mu.Lock()
		r.flags &^= remoteConnBlocked
		r.abortDialBatchLocked(nCntl, nData, CannotConnect)
		r.debounceLocked()
		r.mu.Unlock()
		return
	}

	encrypt := p.shouldEncrypt(nc.RemoteAddr())
	if encrypt && p.chirp.tlsEnv != nil {
		nc = tls.Client(nc, p.chirp.tlsEnv.clientConfig())
	}

	conn := newConnection(p, nc, false, encrypt)
	conn.setRemote(r)

	p.mu.Lock()
	p.handshakeConns[conn] = struct{}{}
	p.mu.Unlock()

	r.mu.Lock()
	r.flags &^= remoteConnBlocked
	r.mu.Unlock()

	conn.start()
}

// pushReconnect schedules r for a debounced retry: each call arms its own
// timer for reconnectJitter(), which, when it fires, waits on
// reconnectLimiter and then unblocks r. It takes no lock itself, so it may
// be called with r.mu held.
func (p *Protocol) pushReconnect(r *Remote) {
	delay := reconnectJitter()
	time.AfterFunc(delay, func() {
		_ = p.reconnectLimiter.Wait(context.Background())
		r.unblock()
	})
	p.chirp.metrics.m().reconnects_total.Inc()
}

// onHandshakeComplete looks up or creates the Remote for a freshly
// handshaked connection, resolves any network race against a connection
// already attached to that Remote (by comparing the two peers' identities,
// see below; the losing connection is marked as superseded and left for the
// GC sweep to close), and attaches conn.
func (p *Protocol) onHandshakeComplete(conn *Connection, port uint16) {
	addr, ok := netip.AddrFromSlice(tcpIP(conn.rw.RemoteAddr()))
	if !ok {
		conn.shutdown(ProtocolError, errors.New("unresolvable peer address"), shutdownOpts{})
		return
	}
	addr = addr.Unmap()
	key := remoteKey{ipProtocol: tcpNetwork(conn.rw.RemoteAddr()), address: addr, port: port}

	p.mu.Lock()
	delete(p.handshakeConns, conn)
	r, exists := p.remotes[key]
	if !exists {
		r = newRemote(p, key)
		p.remotes[key] = r
	}
	p.mu.Unlock()

	p.chirp.metrics.m().handshake_duration_seconds.Update(time.Since(conn.createdAt).Seconds())

	r.mu.Lock()
	existing := r.conn
	if existing == nil {
		r.conn = conn
		conn.setRemote(r)
		r.mu.Unlock()
		p.chirp.metrics.m().handshakes_completed_total.Inc()
		r.processQueues()
		return
	}

	// Network race: two connections to the same peer completed handshake
	// concurrently (we dialed them while they were dialing us). Both sides
	// compute the same outcome from their own perspective by comparing the
	// two peers' 16-byte identities: whichever side has the lower identity
	// keeps the connection it accepted, the other side keeps the one it
	// dialed out on, so both keep the connection dialed by the higher one. This mirrors spec.md §4.9's identity-based tie-break.
	localLower := p.chirp.identity.Less(conn.remoteIdentity)
	keepExisting := (localLower && !existing.outgoing) || (!localLower && existing.outgoing)
	p.chirp.metrics.m().races_resolved_total.Inc()
	if keepExisting {
		r.mu.Unlock()
		conn.markOld(r)
		p.markOld(conn)
		return
	}
	r.conn = conn
	conn.setRemote(r)
	old := existing
	r.mu.Unlock()
	p.chirp.metrics.m().handshakes_completed_total.Inc()
	old.markOld(r)
	p.markOld(old)
	r.processQueues()
}

func (p *Protocol) markOld(conn *Connection) {
	p.mu.Lock()
	p.oldConnections[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Protocol) removeFromHandshake(conn *Connection) {
	p.mu.Lock()
	delete(p.handshakeConns, conn)
	p.mu.Unlock()
}

func (p *Protocol) removeFromOld(conn *Connection) {
	p.mu.Lock()
	delete(p.oldConnections, conn)
	p.mu.Unlock()
}

func (p *Protocol) forgetRemote(r *Remote) {
	p.mu.Lock()
	if cur, ok := p.remotes[r.key]; ok && cur == r {
		delete(p.remotes, r.key)
	}
	p.mu.Unlock()
}

// gcLoop wakes every REUSE_TIME/2 plus a random jitter of up to another
// REUSE_TIME/2, closing
// superseded connections that have sat idle past REUSE_TIME and shutting
// down Remotes (and their Connection, if any) that have been idle past
// REUSE_TIME with empty queues.
func (p *Protocol) gcLoop() {
	for {
		base := p.cfg.ReuseTime / 2
		jitterMS := uint32(base / time.Millisecond)
		jitter := time.Duration(fastrand.Uint32n(jitterMS+1)) * time.Millisecond
		select {
		case <-time.After(base + jitter):
		case <-p.gcStop:
			return
		}
		p.gcSweep()
	}
}

func (p *Protocol) gcSweep() {
	p.chirp.metrics.m().gc_sweeps_total.Inc()

	p.mu.Lock()
	oldConns := make([]*Connection, 0, len(p.oldConnections))
	for c := range p.oldConnections {
		oldConns = append(oldConns, c)
	}
	remotes := make([]*Remote, 0, len(p.remotes))
	for _, r := range p.remotes {
		remotes = append(remotes, r)
	}
	p.mu.Unlock()

	for _, c := range oldConns {
		if c.idleFor() > p.cfg.ReuseTime {
			c.shutdown(Shutdown, nil, shutdownOpts{skipDebounce: true})
			p.removeFromOld(c)
			p.chirp.metrics.m().gc_connections_reaped_total.Inc()
		}
	}

	for _, r := range remotes {
		r.mu.Lock()
		idle := r.idle() > p.cfg.ReuseTime
		empty := len(r.msgQueue) == 0 && len(r.cntlMsgQueue) == 0 && r.waitAckMessage == nil
		conn := r.conn
		r.mu.Unlock()
		if idle && empty {
			if conn != nil {
				conn.shutdown(Shutdown, nil, shutdownOpts{skipDebounce: true, freeRemote: true})
			} else {
				p.forgetRemote(r)
			}
			p.chirp.metrics.m().gc_remotes_reaped_total.Inc()
		}
	}
}

func (p *Protocol) close() {
	p.mu.Lock()
	p.closing = true
	handshaking := make([]*Connection, 0, len(p.handshakeConns))
	for c := range p.handshakeConns {
		handshaking = append(handshaking, c)
	}
	old := make([]*Connection, 0, len(p.oldConnections))
	for c := range p.oldConnections {
		old = append(old, c)
	}
	remotes := make([]*Remote, 0, len(p.remotes))
	for _, r := range p.remotes {
		remotes = append(remotes, r)
	}
	p.mu.Unlock()

	if p.ln4 != nil {
		_ = p.ln4.Close()
	}
	if p.ln6 != nil {
		_ = p.ln6.Close()
	}
	close(p.gcStop)

	for _, c := range handshaking {
		c.shutdown(Shutdown, nil, shutdownOpts{skipDebounce: true})
	}
	for _, c := range old {
		c.shutdown(Shutdown, nil, shutdownOpts{skipDebounce: true})
	}
	for _, r := range remotes {
		r.mu.Lock()
		conn := r.conn
		r.abortQueuesLocked(Shutdown)
		r.mu.Unlock()
		if conn != nil {
			conn.shutdown(Shutdown, nil, shutdownOpts{skipDebounce: true, freeRemote: true})
		}
	}
}

func tcpIP(addr net.Addr) net.IP {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

// tcpAddrPort extracts the netip.Addr portion of addr, for populating a
// received Message's Address field.
func tcpAddrPort(addr net.Addr) (netip.Addr, bool) {
	a, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func tcpNetwork(addr net.Addr) string {
	if a, ok := addr.(*net.TCPAddr); ok {
		if a.IP.To4() != nil {
			return "tcp4"
		}
		return "tcp6"
	}
	return "tcp4"
}
