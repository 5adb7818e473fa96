// Package member implements the cluster membership and liveness core of a
// multi-master node: connectivity tracking, clique-based partition
// exclusion, referee arbitration, and the authoritative membership state
// machine driving the local node's operational status.
package member

import "math/bits"

// MaxNodes is the bit-width of NodeMask. 64 keeps NodeMask a plain machine
// word; a cluster larger than this does not fit the model.
const MaxNodes = 64

// NodeID identifies a cluster member, 1-indexed: node i occupies bit i-1
// of every NodeMask.
type NodeID int

// NodeMask is a fixed-width bitset over node IDs. Bit i corresponds to
// NodeID i+1. Per-field semantics (what "set" means) are documented on
// each MembershipState field below.
type NodeMask uint64

// Bit returns the single-bit mask for id.
func Bit(id NodeID) NodeMask {
	return NodeMask(1) << uint(id-1)
}

// Has reports whether id's bit is set in m.
func (m NodeMask) Has(id NodeID) bool {
	return m&Bit(id) != 0
}

// Set returns m with id's bit set.
func (m NodeMask) Set(id NodeID) NodeMask {
	return m | Bit(id)
}

// Clear returns m with id's bit cleared.
func (m NodeMask) Clear(id NodeID) NodeMask {
	return m &^ Bit(id)
}

// Popcount returns the number of set bits.
func (m NodeMask) Popcount() int {
	return bits.OnesCount64(uint64(m))
}

// FullMask returns the mask with the low n bits set, representing "all
// nodes" for an n-node cluster.
func FullMask(n int) NodeMask {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return ^NodeMask(0)
	}
	return NodeMask(1)<<uint(n) - 1
}

// String renders m as an n-character '0'/'1' string, bit 0 (node 1) first —
// matching the original implementation's maskToString layout, which is
// invaluable when comparing log lines against a running cluster.
func (m NodeMask) String(n int) string {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		if m&(NodeMask(1)<<uint(i)) != 0 {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}

// Status is the local node's operational status.
type Status int

const (
	StatusDisabled Status = iota
	StatusRecovery
	StatusRecovered
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusRecovery:
		return "Recovery"
	case StatusRecovered:
		return "Recovered"
	case StatusOnline:
		return "Online"
	default:
		return "Unknown"
	}
}

// TxState is a two-phase-commit transaction's state as reported by the
// durable prepared-transaction log.
type TxState int

const (
	TxNotFound TxState = iota
	TxPrepared
	TxPreCommitted
	TxPreAborted
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxNotFound:
		return "NotFound"
	case TxPrepared:
		return "Prepared"
	case TxPreCommitted:
		return "PreCommitted"
	case TxPreAborted:
		return "PreAborted"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// ParseTxState maps the durable prepared-transaction log's state strings
// onto TxState. Unknown strings map to TxNotFound with ok=false.
func ParseTxState(s string) (TxState, bool) {
	switch s {
	case "notfound":
		return TxNotFound, true
	case "prepared":
		return TxPrepared, true
	case "precommitted":
		return TxPreCommitted, true
	case "preaborted":
		return TxPreAborted, true
	case "committed":
		return TxCommitted, true
	case "aborted":
		return TxAborted, true
	default:
		return TxNotFound, false
	}
}
