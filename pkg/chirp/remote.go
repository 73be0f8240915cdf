package chirp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"

	"github.com/chirp-project/chirp/pkg/wire"
)

// remoteKey identifies a Remote by the endpoint tuple spec.md §3 specifies:
// (ip_protocol, address, port). It is comparable, so it works directly as a
// map key for Protocol.remotes.
type remoteKey struct {
	ipProtocol string
	address    netip.Addr
	port       uint16
}

// remoteFlag holds Remote's internal bookkeeping bits.
type remoteFlag uint32

const (
	remoteConnBlocked remoteFlag = 1 << iota // reconnect debounce in effect
)

// Remote is the long-lived per-peer record keyed by (ip_protocol, address,
// port). It outlives any single Connection. All mutable state except
// timestamp is guarded by mu; timestamp is a lock-free atomic since it is
// updated on every send/receive and read concurrently by the GC sweep.
type Remote struct {
	key remoteKey

	mu             sync.Mutex
	conn           *Connection // nil if currently disconnected
	msgQueue       []*Message  // FIFO of data messages awaiting send
	cntlMsgQueue   []*Message  // FIFO of control messages (ACK, NOOP); strict priority over msgQueue
	waitAckMessage *Message    // synchronous mode: the one in-flight data message
	serial         uint32      // last assigned outbound serial
	flags          remoteFlag

	noop *Message // reusable NOOP probe, never freed

	timestamp atomic.Int64 // unixnano of last send/receive activity

	proto *Protocol
}

func newRemote(proto *Protocol, key remoteKey) *Remote {
	r := &Remote{key: key, proto: proto}
	r.noop = &Message{Type: wire.Noop}
	r.timestamp.Store(time.Now().UnixNano())
	return r
}

func (r *Remote) touch() {
	r.timestamp.Store(time.Now().UnixNano())
}

func (r *Remote) idle() time.Duration {
	return time.Since(time.Unix(0, r.timestamp.Load()))
}

// enqueueData appends a user data message to the data queue and wakes the
// dispatcher.
func (r *Remote) enqueueData(m *Message) {
	r.mu.Lock()
	r.msgQueue = append(r.msgQueue, m)
	r.mu.Unlock()
	r.processQueues()
}

// enqueueControl appends an ACK/NOOP to the control queue, which is drained
// with strict priority over the data queue, and wakes the dispatcher.
func (r *Remote) enqueueControl(m *Message) {
	r.mu.Lock()
	r.cntlMsgQueue = append(r.cntlMsgQueue, m)
	r.mu.Unlock()
	r.processQueues()
}

// maybeProbe enqueues the reusable NOOP liveness probe if this remote has
// been idle for more than 3/4 of REUSE_TIME, per spec.md §4.7. Called
// before each user send.
func (r *Remote) maybeProbe(reuseTime time.Duration) {
	if r.idle() > reuseTime*3/4 {
		r.enqueueControl(r.noop)
	}
}

// processQueues is the Remote dispatcher described in spec.md §4.7. It is
// invoked whenever a message is enqueued, a write completes, an ACK
// arrives, or the reconnect timer fires.
func (r *Remote) processQueues() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processQueuesLocked()
}

func (r *Remote) processQueuesLocked() {
	if r.conn == nil {
		if r.flags&remoteConnBlocked != 0 {
			return
		}
		if len(r.cntlMsgQueue) > 0 || len(r.msgQueue) > 0 {
			r.proto.dialRemoteLocked(r)
		}
		return
	}

	if !r.conn.isConnected() || r.conn.isShuttingDown() {
		return
	}
	if r.conn.writerBusy() {
		return
	}

	if len(r.cntlMsgQueue) > 0 {
		m := r.cntlMsgQueue[0]
		r.cntlMsgQueue = r.cntlMsgQueue[1:]
		r.sendLocked(m)
		return
	}

	if r.proto.cfg.Synchronous {
		if r.waitAckMessage != nil {
			return
		}
		if len(r.msgQueue) == 0 {
			return
		}
		m := r.msgQueue[0]
		r.msgQueue = r.msgQueue[1:]
		m.Type |= wire.ReqAck
		r.waitAckMessage = m
		r.sendLocked(m)
		return
	}

	if len(r.msgQueue) > 0 {
		m := r.msgQueue[0]
		r.msgQueue = r.msgQueue[1:]
		m.Type &^= wire.ReqAck
		r.sendLocked(m)
	}
}

// sendLocked assigns the next serial and hands m to the writer. Caller
// must hold r.mu. Serial assignment happens strictly before the write is
// issued, satisfying spec.md invariant 7.
func (r *Remote) sendLocked(m *Message) {
	r.serial = wire.SerialAfter(r.serial)
	m.Serial = r.serial
	r.touch()
	r.conn.startWrite(m)
}

// abortQueuesLocked fails every queued message (and the in-flight wait-ack
// message, if any) with the given outcome. Caller must hold r.mu.
func (r *Remote) abortQueuesLocked(kind ErrorKind) {
	mo := r.proto.chirp.metrics.m()
	for _, m := range r.cntlMsgQueue {
		completeSend(mo, m, kind, nil)
	}
	r.cntlMsgQueue = nil
	for _, m := range r.msgQueue {
		completeSend(mo, m, kind, nil)
	}
	r.msgQueue = nil
	if r.waitAckMessage != nil {
		completeSend(mo, r.waitAckMessage, kind, nil)
		r.waitAckMessage = nil
	}
}

// abortDialBatchLocked fails only the leading nCntl/nData messages of the
// control/data queues, the ones queued when a failed dial attempt started,
// leaving anything enqueued since queued for the next attempt. Caller must
// hold r.mu.
func (r *Remote) abortDialBatchLocked(nCntl, nData int, kind ErrorKind) {
	mo := r.proto.chirp.metrics.m()
	if nCntl > len(r.cntlMsgQueue) {
		nCntl = len(r.cntlMsgQueue)
	}
	for _, m := range r.cntlMsgQueue[:nCntl] {
		completeSend(mo, m, kind, nil)
	}
	r.cntlMsgQueue = r.cntlMsgQueue[nCntl:]

	if nData > len(r.msgQueue) {
		nData = len(r.msgQueue)
	}
	for _, m := range r.msgQueue[:nData] {
		completeSend(mo, m, kind, nil)
	}
	r.msgQueue = r.msgQueue[nData:]
}

// debounceLocked sets remoteConnBlocked and has the protocol schedule a
// reconnect timer (pushReconnect) that unblocks this remote. Caller must
// hold r.mu.
func (r *Remote) debounceLocked() {
	r.flags |= remoteConnBlocked
	r.proto.pushReconnect(r)
}

// unblock clears remoteConnBlocked and re-runs the dispatcher, called when
// the reconnect timer fires.
func (r *Remote) unblock() {
	r.mu.Lock()
	r.flags &^= remoteConnBlocked
	r.mu.Unlock()
	r.processQueues()
}

// reconnectJitter returns a uniform random duration in [50, 550) ms using
// fastrand, the lock-light RNG this codebase's metrics stack already
// depends on, for the debounce interval spec.md §4.7 specifies.
func reconnectJitter() time.Duration {
	return 50*time.Millisecond + time.Duration(fastrand.Uint32n(500))*time.Millisecond
}
