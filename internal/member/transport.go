package member

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Transport is the inter-node messaging fabric the membership core rides
// on: connect/disconnect callbacks drive ConnectivityTracker, Send/TryRecv
// carry ArbiterMessage 3PC polls. Grounded on the teacher's reconcile
// transport seams (internal/reconcile). The interface has no named streams:
// TryRecv returns the next message from a single queue, and Monitor reads
// only ArbiterMessages from it (heartbeat gossip is not read through it).
type Transport interface {
	// OnConnect registers fn to be called whenever a peer connection is
	// (re)established.
	OnConnect(fn func(node NodeID))
	// OnDisconnect registers fn to be called whenever a peer connection is
	// lost.
	OnDisconnect(fn func(node NodeID))
	// Send delivers payload to node, returning a transient error (see
	// IsTransient) if the peer is currently unreachable.
	Send(ctx context.Context, node NodeID, payload []byte) error
	// TryRecv returns the next queued message from any peer without
	// blocking. ok is false if nothing is queued.
	TryRecv() (from NodeID, payload []byte, ok bool)
}

// arbiterMessageSize is the encoded length of ArbiterMessage: three uint32
// fields plus a fixed 64-byte NUL-padded gid.
const arbiterMessageSize = 4 + 4 + 4 + 64

// ArbiterCode identifies the kind of ArbiterMessage.
type ArbiterCode uint32

const (
	// ArbiterPollRequest asks the receiver for the current state of gid.
	// Value fixed at 1 per the wire layout (extension-reserved values start
	// at 16).
	ArbiterPollRequest ArbiterCode = 1
	// ArbiterPollResponse reports the resolver's last-known state for gid.
	ArbiterPollResponse ArbiterCode = 2
)

// ArbiterMessage is the fixed-layout wire message used for the 3PC poll
// protocol between nodes reconciling a transaction's outcome after a
// reconnect. The layout is little-endian and self-contained: no length
// prefix, since every field is fixed-width.
type ArbiterMessage struct {
	Code  ArbiterCode
	Node  NodeID
	State TxState
	Gid   string
}

// Encode serializes m into the fixed wire layout. It returns an error if
// Gid does not fit in the 64-byte field.
func (m ArbiterMessage) Encode() ([]byte, error) {
	if len(m.Gid) > 64 {
		return nil, protocolErr("ArbiterMessage.Encode", fmt.Sprintf("gid %q exceeds 64 bytes", m.Gid))
	}
	buf := make([]byte, arbiterMessageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Code))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Node))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.State))
	copy(buf[12:76], m.Gid)
	return buf, nil
}

// DecodeArbiterMessage parses a fixed wire message produced by Encode.
func DecodeArbiterMessage(buf []byte) (ArbiterMessage, error) {
	if len(buf) != arbiterMessageSize {
		return ArbiterMessage{}, protocolErr("DecodeArbiterMessage", fmt.Sprintf("length %d, want %d", len(buf), arbiterMessageSize))
	}
	gidRaw := buf[12:76]
	n := 0
	for n < len(gidRaw) && gidRaw[n] != 0 {
		n++
	}
	return ArbiterMessage{
		Code:  ArbiterCode(binary.LittleEndian.Uint32(buf[0:4])),
		Node:  NodeID(binary.LittleEndian.Uint32(buf[4:8])),
		State: TxState(binary.LittleEndian.Uint32(buf[8:12])),
		Gid:   string(gidRaw[:n]),
	}, nil
}
