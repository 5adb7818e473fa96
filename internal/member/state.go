package member

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quorumd/internal/check"
)

// Snapshot is a point-in-time copy of MembershipState, safe to read without
// holding any lock. Accessors return Snapshot rather than pointers into the
// live state, so no caller ever holds a reference into it.
type Snapshot struct {
	SelfID               NodeID
	NNodes               int
	Status               Status
	StatusReason         string
	DisabledMask         NodeMask
	SelfConnectivityMask NodeMask
	Clique               NodeMask
	ReceiverMask         NodeMask
	SenderMask           NodeMask
	StoppedMask          NodeMask
	RefereeWinnerID      NodeID
	RefereeGrant         bool
	RecoveryCount        uint64
	RecoverySlot         NodeID
	MajorNode            bool
}

// MembershipState is the single authoritative, lock-guarded snapshot of
// this node's view of cluster membership. Grounded on the teacher's
// mesh/network state holders (internal/network/state_sqlite.go and
// internal/reconcile's RWMutex-guarded registries): one struct, one
// sync.RWMutex, and accessor methods that never leak internal references.
//
// Every mutating path funnels through checkStateLocked so that status is
// always re-derived from the other fields rather than set directly —
// mirroring the original MtmCheckState discipline where nothing assigns to
// status outside the one transition function. The one exception is the
// LocalNonrecoverableError handler in events.go, which sets Disabled
// directly before its final recheck.
type MembershipState struct {
	mu sync.RWMutex

	selfID    NodeID
	nNodes    int
	majorNode bool

	status       Status
	statusReason string

	disabledMask         NodeMask
	selfConnectivityMask NodeMask
	// Per-peer gossiped connectivity masks are owned by ConnectivityTracker,
	// not duplicated here; selfConnectivityMask is updated by
	// OnPeerConnected/OnPeerDisconnected (see events.go), which the
	// transport callbacks call alongside the tracker's own handlers.

	clique NodeMask

	receiverMask NodeMask
	senderMask   NodeMask
	stoppedMask  NodeMask

	refereeWinnerID NodeID
	refereeGrant    bool

	recoveryCount uint64
	recoverySlot  NodeID

	nodeTimeline []uint64

	everObservedMajority bool

	resolver        TransactionResolver
	onReceiverStart func(node NodeID)
	donorStore      DonorReader
	controlFile     ControlFileWriter

	log *slog.Logger
}

// DonorReader reads the durable referee-grant record written by Store. It is
// broken out as a narrow interface, rather than taking *Store directly, so
// MembershipState (internal/member's lowest-level shared resource) never
// needs to import the storage package's full surface — only *Store's
// ReadDonor method, which already has this exact signature.
type DonorReader interface {
	ReadDonor() (NodeID, bool, error)
}

// ControlFileWriter persists the WAL recovery donor node id on entry to
// Recovered (§4.4, §6), so a later restart can resume recovery from any
// cluster node. Narrowed to *Store's SaveControlFile method for the same
// reason DonorReader is narrowed to ReadDonor.
type ControlFileWriter interface {
	SaveControlFile(donor NodeID) error
}

// NewMembershipState creates state for an n-node cluster. It starts
// Disabled: per §3's invariant, a node that has never observed a majority
// since start is Disabled regardless of disabledMask.
func NewMembershipState(selfID NodeID, nNodes int, majorNode bool, resolver TransactionResolver, log *slog.Logger) *MembershipState {
	if resolver == nil {
		resolver = NopResolver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &MembershipState{
		selfID:       selfID,
		nNodes:       nNodes,
		majorNode:    majorNode,
		status:       StatusDisabled,
		statusReason: "initial state",
		nodeTimeline: make([]uint64, nNodes),
		resolver:     resolver,
		log:          log,
	}
}

// OnReceiverStart registers the single-slot callback invoked after
// receiver_mask is mutated, per the "hook for receiver-start notification"
// design note: one slot, registered once at init, no subscriber list.
func (s *MembershipState) OnReceiverStart(fn func(node NodeID)) {
	s.mu.Lock()
	s.onReceiverStart = fn
	s.mu.Unlock()
}

// SetDonorStore registers the durable store consulted on the Recovered ->
// Online transition for a stale referee winner (§4.4, §6). Optional: with
// no store registered, a node simply never re-adopts a pre-restart grant.
func (s *MembershipState) SetDonorStore(store DonorReader) {
	s.mu.Lock()
	s.donorStore = store
	s.mu.Unlock()
}

// SetControlFileWriter registers the durable store written on entry to
// Recovered (§4.4, §6). Optional: with none registered, the control file
// is simply never persisted.
func (s *MembershipState) SetControlFileWriter(w ControlFileWriter) {
	s.mu.Lock()
	s.controlFile = w
	s.mu.Unlock()
}

// SeedRefereeWinner sets referee_winner_id from a durable read without
// granting anything — spec.md §4.3's read_saved_winner is described as
// re-seeding this field after a restart. refereeGrant is only ever set by a
// fresh referee response (Monitor.maybeAcquireRefereeGrant); the
// Recovered->Online stale-winner reload likewise sets only
// referee_winner_id.
func (s *MembershipState) SeedRefereeWinner(id NodeID) {
	s.mu.Lock()
	s.refereeWinnerID = id
	s.mu.Unlock()
}

// Snapshot copies out the current state under a shared lock.
func (s *MembershipState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *MembershipState) snapshotLocked() Snapshot {
	return Snapshot{
		SelfID:               s.selfID,
		NNodes:               s.nNodes,
		Status:               s.status,
		StatusReason:         s.statusReason,
		DisabledMask:         s.disabledMask,
		SelfConnectivityMask: s.selfConnectivityMask,
		Clique:               s.clique,
		ReceiverMask:         s.receiverMask,
		SenderMask:           s.senderMask,
		StoppedMask:          s.stoppedMask,
		RefereeWinnerID:      s.refereeWinnerID,
		RefereeGrant:         s.refereeGrant,
		RecoveryCount:        s.recoveryCount,
		RecoverySlot:         s.recoverySlot,
		MajorNode:            s.majorNode,
	}
}

// maxCascadeRuns bounds the "re-run itself" cascade so Disabled → Recovery
// → Recovered can collapse into one event without ever looping forever on
// a misbehaving invariant.
const maxCascadeRuns = 4

// CheckState takes the exclusive lock and runs the transition function.
// This is the `apply_event` entry point from the design notes: use it when
// the caller does not already hold the lock.
func (s *MembershipState) CheckState(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkStateLocked(ctx)
}

// CheckStateLocked is the `apply_event_locked` entry point: the caller must
// already hold the exclusive lock (typically inside an event handler that
// mutated a field and now wants the status re-derived in the same
// critical section).
func (s *MembershipState) CheckStateLocked(ctx context.Context) {
	s.checkStateLocked(ctx)
}

func (s *MembershipState) checkStateLocked(ctx context.Context) {
	for i := 0; i < maxCascadeRuns; i++ {
		if !s.runTransitionLocked(ctx) {
			return
		}
	}
}

// runTransitionLocked evaluates enabled_now and applies at most one
// transition from the table in SPEC_FULL.md / spec.md §4.4. It returns
// true if a transition was taken, so checkStateLocked can cascade.
func (s *MembershipState) runTransitionLocked(ctx context.Context) bool {
	nConnected := (FullMask(s.nNodes) &^ s.selfConnectivityMask).Popcount()
	enabledNow, reason := s.computeEnabledNowLocked(nConnected)

	check.Assert(s.selfID >= 1 && int(s.selfID) <= s.nNodes, "self id out of range")

	switch {
	case !enabledNow:
		if s.status == StatusOnline {
			// §7: an invariant violation while Online always demotes; no
			// retry is attempted. Logged through the same error taxonomy
			// transient/protocol failures use, so callers can grep by class.
			s.log.Warn("membership invariant violated", "error", invariantErr(reason))
		}
		return s.transitionToDisabledLocked(reason)

	case s.status == StatusDisabled:
		s.everObservedMajority = true
		s.status = StatusRecovery
		s.statusReason = "majority regained, entering recovery"
		s.log.Info("membership status change", "status", s.status, "reason", s.statusReason)
		return true

	case s.status == StatusRecovery:
		if !s.disabledMask.Has(s.selfID) {
			if s.controlFile != nil {
				if err := s.controlFile.SaveControlFile(s.recoverySlot); err != nil {
					s.log.Warn("failed to persist control file on entry to Recovered", "error", err)
				}
			}
			s.status = StatusRecovered
			s.statusReason = "self no longer disabled"
			s.log.Info("membership status change", "status", s.status, "reason", s.statusReason)
			return true
		}
		return false

	case s.status == StatusRecovered:
		nEnabled := (FullMask(s.nNodes) &^ s.disabledMask).Popcount()
		nRecv := s.receiverMask.Popcount()
		nSend := s.senderMask.Popcount()
		if nRecv == nEnabled-1 && nSend == nEnabled-1 && nEnabled == nConnected {
			if !s.refereeGrant && s.donorStore != nil {
				if saved, ok, err := s.donorStore.ReadDonor(); err != nil {
					s.log.Warn("reading stale referee winner from durable store failed", "error", err)
				} else if ok {
					if err := s.resolver.ResolveAllTransactions(ctx); err != nil {
						s.log.Warn("resolve all transactions before adopting stale referee winner failed", "error", err)
					}
					s.refereeWinnerID = saved
				}
			}
			s.status = StatusOnline
			s.statusReason = "receivers and senders caught up with enabled peers"
			s.log.Info("membership status change", "status", s.status, "reason", s.statusReason)
			return true
		}
		return false

	default: // StatusOnline
		// enabledNow (computed from selfConnectivityMask) being true only
		// means the local node still sees enough of the cluster; it never
		// consults disabled_mask. The original's MTM_ONLINE case runs a
		// second, independent majority check against nEnabled =
		// popcount(~disabled_mask) so that peers disabled out from under
		// an otherwise-still-connected node (clique exclusion, stopped
		// nodes, ...) still demote it rather than leaving it Online alone.
		if ok, reason := s.onlineMajorityInvariantLocked(); !ok {
			s.log.Warn("membership invariant violated", "error", invariantErr(reason))
			// No cascade: enabledNow is still true here, so a re-run would
			// move straight on to Recovery under a "majority regained"
			// reason although nEnabled is still below majority.
			s.transitionToDisabledLocked(reason)
			return false
		}
		return false
	}
}

// onlineMajorityInvariantLocked re-derives the §3 majority invariant from
// disabled_mask, independent of enabled_now's self_connectivity_mask-based
// computation. Grounded on the original's MtmCheckState MTM_ONLINE case
// (state.c:225-240): nEnabled = countZeroBits(disabledNodeMask).
func (s *MembershipState) onlineMajorityInvariantLocked() (bool, string) {
	half := s.nNodes / 2
	nEnabled := (FullMask(s.nNodes) &^ s.disabledMask).Popcount()
	if nEnabled >= half+1 {
		return true, ""
	}
	if nEnabled == half && (s.majorNode || s.refereeGrant) {
		return true, ""
	}
	return false, "nEnabled less than majority"
}

// computeEnabledNowLocked implements §4.4's enabled_now derivation exactly
// as the original's ENABLE_IF/DISABLE_IF macro chain in MtmCheckState: each
// ENABLE_IF can only raise isEnabledState from false to true, and each
// DISABLE_IF can only lower it from true back to false — a DISABLE_IF whose
// condition holds while the state is already false is a no-op, which is why
// a node that never reached majority reports the default reason rather than
// "not in clique" (it was never enabled in the first place). The returned
// reason is whichever clause last changed isEnabledState, matching
// statusReason in the original.
func (s *MembershipState) computeEnabledNowLocked(nConnected int) (bool, string) {
	half := s.nNodes / 2

	enabled := false
	reason := "node is disabled by default"

	enableIf := func(cond bool, why string) {
		if cond && !enabled {
			enabled = true
			reason = why
		}
	}
	disableIf := func(cond bool, why string) {
		if cond && enabled {
			enabled = false
			reason = why
		}
	}

	enableIf(nConnected >= half+1, "node belongs to the majority group")
	enableIf(nConnected == half && s.majorNode, "node is a major node")
	enableIf(nConnected == half && s.refereeGrant, "node has a referee grant")
	disableIf(!s.clique.Has(s.selfID) && !s.refereeGrant, "node is not in clique and has no referee grant")
	disableIf(s.stoppedMask.Has(s.selfID), "node is stopped manually")

	return enabled, reason
}

// transitionToDisabledLocked applies the "any -> Disabled" row of the
// transition table, shared by the majority-invariant-failure path and by
// explicit CLIQUE_DISABLE/stop events. It does not itself call
// resolve_all_transactions: §4.4 only requires that on Recovered->Online
// with a stale referee winner, which runTransitionLocked handles directly;
// demotion relies on the per-neighbor CLIQUE_DISABLE handling in events.go
// to unblock in-flight work.
func (s *MembershipState) transitionToDisabledLocked(reason string) bool {
	alreadyDisabledSelf := s.disabledMask.Has(s.selfID)

	changed := s.status != StatusDisabled || !alreadyDisabledSelf
	if !alreadyDisabledSelf {
		s.disabledMask = s.disabledMask.Set(s.selfID)
		s.nodeTimeline[s.selfID-1]++
	}
	s.receiverMask = 0
	s.senderMask = 0
	s.recoverySlot = 0
	if changed {
		s.recoveryCount++
	}
	s.status = StatusDisabled
	s.statusReason = reason

	if changed {
		s.log.Info("membership status change", "status", s.status, "reason", s.statusReason)
	}
	return changed
}

// setReceiverLocked sets or clears node's bit in receiver_mask and invokes
// the receiver-start hook when it transitions into set.
func (s *MembershipState) setReceiverLocked(node NodeID, running bool) {
	was := s.receiverMask.Has(node)
	if running {
		s.receiverMask = s.receiverMask.Set(node)
	} else {
		s.receiverMask = s.receiverMask.Clear(node)
	}
	if running && !was && s.onReceiverStart != nil {
		s.onReceiverStart(node)
	}
}

// String renders a compact diagnostic line, useful in Monitor logging.
func (s Snapshot) String() string {
	return fmt.Sprintf("node=%d status=%s disabled=%s clique=%s referee_grant=%v",
		s.SelfID, s.Status, s.DisabledMask.String(s.NNodes), s.Clique.String(s.NNodes), s.RefereeGrant)
}
