// Package p2p declares the external networking collaborator that header
// sync consumes: the generic peer-to-peer connector/channel layer, the
// version handshake it attaches, and the Bitcoin wire messages the
// header-sync protocol speaks over it. The connector/channel/handshake
// framing itself lives outside this core (spec.md §1 "Out of scope");
// only the interface it must satisfy is declared here.
package p2p

import "context"

// Services is the peer services bitmask advertised during handshake.
type Services uint64

// NoServices is used by header sync: it relays nothing and requests no
// service guarantee of its own beyond NodeNetwork from the remote.
const NoServices Services = 0

// NodeNetwork is the minimum service bit a useful header-sync peer must
// advertise: that it serves the full chain of headers, not just a pruned
// tail.
const NodeNetwork Services = 1 << 0

// HandshakeParams parameterizes the version-negotiation handshake that
// precedes the header-sync protocol (spec.md §6).
type HandshakeParams struct {
	OwnVersion        uint32
	OwnServices       Services
	MinPeerVersion    uint32 // lowest version that speaks the headers message
	MinPeerServices   Services
	RelayTransactions bool // false during header sync
}

// Channel is a single negotiated connection to a remote peer, as provided
// by the networking layer.
type Channel interface {
	Authority() string
	NegotiatedVersion() uint32
	Stop()
	Send(msg Message) error
	Subscribe(msgType MessageType, handler func(Message))
}

// Connector opens outbound connections and performs the version
// handshake, handing back only channels that satisfy HandshakeParams.
type Connector interface {
	Connect(ctx context.Context, params HandshakeParams) (Channel, error)
}
