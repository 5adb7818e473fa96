package member

import "context"

// NeighborEventKind identifies an event about a peer node, as opposed to
// one about the local node (LocalEventKind).
type NeighborEventKind int

const (
	// NeighborCliqueDisable reports that the clique computation no longer
	// includes this peer.
	NeighborCliqueDisable NeighborEventKind = iota
	// NeighborWalReceiverStart reports a replication receiver from this
	// peer came up.
	NeighborWalReceiverStart
	// NeighborWalSenderStartRecovery reports a replication sender to this
	// peer entered its recovery phase; the peer is implicitly disabled
	// until the sender reports it caught up.
	NeighborWalSenderStartRecovery
	// NeighborWalSenderStartRecovered reports a replication sender to this
	// peer passed recovery and counts toward the Recovered->Online check.
	NeighborWalSenderStartRecovered
	// NeighborRecoveryCaughtup reports the peer finished catching up and
	// should be re-enabled.
	NeighborRecoveryCaughtup
)

// LocalEventKind identifies an event about the local node.
type LocalEventKind int

const (
	// LocalCliqueDisable reports that the local node itself fell out of
	// the adopted clique.
	LocalCliqueDisable LocalEventKind = iota
	// LocalArbiterReceiverStart reports the local node's receiver for
	// 3PC-poll traffic came up.
	LocalArbiterReceiverStart
	// LocalRecoveryStart1 and LocalRecoveryStart2 mark the two phases of
	// entering recovery from a chosen donor.
	LocalRecoveryStart1
	LocalRecoveryStart2
	// LocalRecoveryFinish1 and LocalRecoveryFinish2 mark the two phases of
	// recovery completing, re-enabling the local node.
	LocalRecoveryFinish1
	LocalRecoveryFinish2
	// LocalNonrecoverableError demands the whole process group shut down;
	// see IsFatal.
	LocalNonrecoverableError
)

// ProcessNeighborEvent acquires the exclusive lock, applies the event, and
// re-runs the state machine. This is the `apply_event` entry point from
// the design notes for neighbor events.
func (s *MembershipState) ProcessNeighborEvent(ctx context.Context, node NodeID, kind NeighborEventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessNeighborEventLocked(ctx, node, kind)
}

// ProcessNeighborEventLocked is `apply_event_locked`: the caller must
// already hold the exclusive lock.
func (s *MembershipState) ProcessNeighborEventLocked(ctx context.Context, node NodeID, kind NeighborEventKind) {
	switch kind {
	case NeighborCliqueDisable, NeighborWalSenderStartRecovery:
		s.disableNeighborLocked(ctx, node)
	case NeighborWalReceiverStart:
		s.setReceiverLocked(node, true)
	case NeighborWalSenderStartRecovered:
		s.senderMask = s.senderMask.Set(node)
		s.enableNeighborLocked(node)
	case NeighborRecoveryCaughtup:
		s.enableNeighborLocked(node)
	}
	s.checkStateLocked(ctx)
}

// disableNeighborLocked sets node's bit in disabled_mask and bumps its
// timeline, if not already disabled. Idempotent on repeated delivery (§5
// ordering guarantee: every mutation is idempotent w.r.t. re-delivery). When
// the local node is currently Online, a prepared-transaction decision can
// safely be made while still holding quorum, so the resolver is notified
// right away rather than waiting for the next full state recheck.
func (s *MembershipState) disableNeighborLocked(ctx context.Context, node NodeID) {
	if s.disabledMask.Has(node) {
		return
	}
	s.disabledMask = s.disabledMask.Set(node)
	s.nodeTimeline[node-1]++
	s.receiverMask = s.receiverMask.Clear(node)
	s.senderMask = s.senderMask.Clear(node)

	if s.status == StatusOnline {
		if err := s.resolver.ResolveTransactionsForNode(ctx, node); err != nil {
			s.log.Warn("resolve transactions for disabled node failed", "node", node, "error", err)
		}
	}
}

// enableNeighborLocked clears node's bit in disabled_mask, unless the node
// was stopped administratively — stopped nodes are never re-enabled by
// ordinary recovery events (§3 invariant, scenario 5).
func (s *MembershipState) enableNeighborLocked(node NodeID) {
	if s.stoppedMask.Has(node) {
		return
	}
	s.disabledMask = s.disabledMask.Clear(node)
}

// ProcessEvent acquires the exclusive lock, applies a local event, and
// re-runs the state machine. Returns a non-nil error only for
// LocalNonrecoverableError; callers must check IsFatal.
func (s *MembershipState) ProcessEvent(ctx context.Context, kind LocalEventKind, donor NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ProcessEventLocked(ctx, kind, donor)
}

// ProcessEventLocked is `apply_event_locked` for local events: the caller
// must already hold the exclusive lock.
func (s *MembershipState) ProcessEventLocked(ctx context.Context, kind LocalEventKind, donor NodeID) error {
	switch kind {
	case LocalCliqueDisable:
		s.transitionToDisabledLocked("excluded from adopted clique")

	case LocalArbiterReceiverStart:
		s.setReceiverLocked(s.selfID, true)

	case LocalRecoveryStart1, LocalRecoveryStart2:
		if !s.stoppedMask.Has(s.selfID) {
			s.disabledMask = s.disabledMask.Clear(s.selfID)
		}
		s.recoverySlot = donor
		s.recoveryCount++

	case LocalRecoveryFinish1, LocalRecoveryFinish2:
		if !s.stoppedMask.Has(s.selfID) {
			s.disabledMask = s.disabledMask.Clear(s.selfID)
		}
		s.recoverySlot = 0
		s.recoveryCount++

	case LocalNonrecoverableError:
		s.status = StatusDisabled
		s.statusReason = "nonrecoverable error"
		s.log.Error("nonrecoverable error, process group must shut down")
		s.checkStateLocked(ctx)
		return &FatalError{Reason: "local NONRECOVERABLE_ERROR event"}
	}

	s.checkStateLocked(ctx)
	return nil
}

// OnPeerConnected mirrors ConnectivityTracker.OnPeerConnected into
// selfConnectivityMask and immediately rechecks the state machine, rather
// than waiting for the next Monitor tick. Grounded on the original's
// MtmOnNodeConnect, which clears the bit and calls MtmCheckState() directly
// inside the lock it just took.
func (s *MembershipState) OnPeerConnected(ctx context.Context, node NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfConnectivityMask = s.selfConnectivityMask.Clear(node)
	s.checkStateLocked(ctx)
}

// OnPeerDisconnected mirrors ConnectivityTracker.OnPeerDisconnected into
// selfConnectivityMask, disables node, and immediately rechecks the state
// machine. Returns whether this was a new disconnect (idempotent on
// repeated delivery). Grounded on the original's MtmOnNodeDisconnect,
// which calls MtmDisableNode(nodeId) right after setting the connectivity
// bit — the clique detector will not necessarily disable the node on its
// own, since clique exclusion only runs on the next Monitor tick.
func (s *MembershipState) OnPeerDisconnected(ctx context.Context, node NodeID) (newlyDisconnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selfConnectivityMask.Has(node) {
		return false
	}
	s.selfConnectivityMask = s.selfConnectivityMask.Set(node)
	s.disableNeighborLocked(ctx, node)
	s.checkStateLocked(ctx)
	return true
}

// Stop marks the local node stopped administratively: it is excluded from
// enabled_now until manually cleared, even if connectivity and clique
// membership would otherwise allow it (scenario 5).
func (s *MembershipState) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedMask = s.stoppedMask.Set(s.selfID)
	s.checkStateLocked(ctx)
}

// Resume clears the administrative stop.
func (s *MembershipState) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedMask = s.stoppedMask.Clear(s.selfID)
	s.checkStateLocked(ctx)
}
