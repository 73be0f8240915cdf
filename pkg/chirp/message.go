package chirp

import (
	"net/netip"
	"time"

	"github.com/chirp-project/chirp/pkg/slotpool"
	"github.com/chirp-project/chirp/pkg/wire"
)

// Flag holds the internal bookkeeping bits for a Message. These never cross
// the wire; wire.Type is what's actually sent.
type flag uint8

const (
	flagACKReceived flag = 1 << iota
	flagWriteDone
	flagHasSlot
	flagSendAck
)

// Message is the user-visible envelope for data sent or received over
// chirp. Identity is opaque to the library and is preserved across replies;
// Serial is assigned by the library at transmit time and is meaningless on
// a message the caller is about to send.
type Message struct {
	Identity wire.Identity
	Serial   uint32
	Type     wire.Type

	Header []byte
	Data   []byte

	// Endpoint identifies the sender on a received message, or the
	// destination on a message about to be sent.
	IPProtocol     string // "tcp4" or "tcp6"
	Address        netip.Addr
	Port           uint16
	RemoteIdentity wire.Identity

	flags flag
	slot  *slotpool.Slot
	pool  *slotpool.Pool

	// remoteKey is not set or read by the send and receive paths;
	// completion is routed through the writing Connection and its Remote.
	remoteKey remoteKey

	// callback fires exactly once when a sent message finishes, successfully
	// or not. nil for received messages.
	callback func(*Message, error)

	// deliveredConn is the Connection a received message's slot came from,
	// used by ReleaseMsgSlot to route the ACK and resume a stopped reader.
	deliveredConn *Connection

	// sentAt is set when this data message's bytes hit the wire, used only
	// to populate the send-to-ack latency histogram when its ACK arrives.
	sentAt time.Time
}

func (m *Message) has(f flag) bool  { return m.flags&f != 0 }
func (m *Message) set(f flag)       { m.flags |= f }
func (m *Message) clear(f flag)     { m.flags &^= f }
func (m *Message) reqAck() bool     { return m.Type&wire.ReqAck != 0 }
func (m *Message) isAck() bool      { return m.Type&wire.Ack != 0 }
func (m *Message) isNoop() bool     { return m.Type&wire.Noop != 0 }
func (m *Message) headerLen() int   { return len(m.Header) }
func (m *Message) dataLen() int     { return len(m.Data) }

// NewMessage builds a message with the given identity, header, and data;
// the caller sets IPProtocol, Address, and Port before sending. reqAck
// sets the ReqAck bit on the returned message, but the dispatcher
// overrides it at send time: synchronous-mode chirp instances set it on
// every send and asynchronous ones clear it (see Remote.processQueues).
func NewMessage(identity wire.Identity, header, data []byte, reqAck bool) *Message {
	m := &Message{
		Identity: identity,
		Header:   header,
		Data:     data,
	}
	if reqAck {
		m.Type |= wire.ReqAck
	}
	return m
}

// HasSlot reports whether the message still holds a slot from the receive
// path that must eventually be released via Chirp.ReleaseMsgSlot(TS).
func (m *Message) HasSlot() bool {
	return m.has(flagHasSlot)
}
