package member

import (
	"context"
	"testing"
)

func newTestState(selfID NodeID, nNodes int, majorNode bool) *MembershipState {
	return NewMembershipState(selfID, nNodes, majorNode, NopResolver{}, nil)
}

// bringOnline drives a freshly constructed n-node state from Disabled to
// Online via full connectivity and caught-up receivers/senders, the
// shared setup for tests that need a started point.
func bringOnline(t *testing.T, s *MembershipState, nNodes int) {
	t.Helper()
	ctx := context.Background()
	s.mu.Lock()
	s.selfConnectivityMask = 0
	s.clique = FullMask(nNodes)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	for i := 1; i <= nNodes; i++ {
		if NodeID(i) == s.selfID {
			continue
		}
		s.ProcessNeighborEvent(ctx, NodeID(i), NeighborWalReceiverStart)
		s.ProcessNeighborEvent(ctx, NodeID(i), NeighborWalSenderStartRecovered)
	}
	if got := s.Snapshot().Status; got != StatusOnline {
		t.Fatalf("bringOnline: status = %s, want Online", got)
	}
}

func TestThreeNodeMajorityLoss(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	bringOnline(t, s, 3)

	s.mu.Lock()
	s.selfConnectivityMask = s.selfConnectivityMask.Set(2).Set(3)
	s.clique = Bit(1)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	snap := s.Snapshot()
	if snap.Status != StatusDisabled {
		t.Fatalf("status = %s, want Disabled", snap.Status)
	}
}

func TestClique(t *testing.T) {
	ctx := context.Background()
	s := newTestState(2, 5, false)
	bringOnline(t, s, 5)

	// Gossip reports {2<->3} disconnect only; symmetrised clique excludes
	// node 3 (self is node 2, stays in {1,2,4,5}, the lexicographically
	// first of the two size-4 cliques).
	s.mu.Lock()
	s.clique = Bit(1) | Bit(2) | Bit(4) | Bit(5)
	s.mu.Unlock()

	s.ProcessNeighborEvent(ctx, 3, NeighborCliqueDisable)

	snap := s.Snapshot()
	if !snap.DisabledMask.Has(3) {
		t.Fatal("node 3 should be disabled after clique exclusion")
	}
	if snap.Status != StatusOnline {
		t.Fatalf("status = %s, want Online (self still in clique)", snap.Status)
	}
}

func TestOnlineStaysOnlineOnNewReceiverStart(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	bringOnline(t, s, 3)

	before := s.Snapshot()
	s.ProcessNeighborEvent(ctx, 2, NeighborWalReceiverStart)

	after := s.Snapshot()
	if after.Status != StatusOnline {
		t.Fatalf("status = %s, want Online", after.Status)
	}
	if after.RecoveryCount != before.RecoveryCount {
		t.Fatalf("recovery count changed: before=%d after=%d", before.RecoveryCount, after.RecoveryCount)
	}
}

func TestStoppedNodeNeverReenabled(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	bringOnline(t, s, 3)

	s.Stop(ctx)
	if s.Snapshot().Status != StatusDisabled {
		t.Fatalf("status after Stop = %s, want Disabled", s.Snapshot().Status)
	}

	s.ProcessNeighborEvent(ctx, 2, NeighborRecoveryCaughtup)
	s.mu.Lock()
	s.selfConnectivityMask = 0
	s.clique = FullMask(3)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	if got := s.Snapshot().Status; got != StatusDisabled {
		t.Fatalf("status = %s, want Disabled (node is stopped)", got)
	}
}

func TestEventIdempotence(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	bringOnline(t, s, 3)

	s.ProcessNeighborEvent(ctx, 2, NeighborCliqueDisable)
	first := s.Snapshot()

	s.ProcessNeighborEvent(ctx, 2, NeighborCliqueDisable)
	second := s.Snapshot()

	if first != second {
		t.Fatalf("re-delivering the same event changed state: %+v vs %+v", first, second)
	}
}

type recordingResolver struct {
	resolvedNodes    []NodeID
	resolvedAllCalls int
}

func (r *recordingResolver) ResolveTransactionsForNode(_ context.Context, node NodeID) error {
	r.resolvedNodes = append(r.resolvedNodes, node)
	return nil
}

func (r *recordingResolver) ResolveAllTransactions(context.Context) error {
	r.resolvedAllCalls++
	return nil
}

func TestDisablingNeighborWhileOnlineResolvesItsTransactions(t *testing.T) {
	ctx := context.Background()
	resolver := &recordingResolver{}
	s := NewMembershipState(1, 3, false, resolver, nil)
	bringOnline(t, s, 3)

	s.mu.Lock()
	s.clique = Bit(1) | Bit(2)
	s.mu.Unlock()

	s.ProcessNeighborEvent(ctx, 3, NeighborCliqueDisable)

	if len(resolver.resolvedNodes) != 1 || resolver.resolvedNodes[0] != 3 {
		t.Fatalf("resolvedNodes = %v, want [3]", resolver.resolvedNodes)
	}
}

type fixedDonorReader struct {
	node NodeID
	ok   bool
}

func (f fixedDonorReader) ReadDonor() (NodeID, bool, error) { return f.node, f.ok, nil }

func TestRecoveredToOnlineLoadsStaleRefereeWinnerFromStore(t *testing.T) {
	ctx := context.Background()
	resolver := &recordingResolver{}
	s := NewMembershipState(1, 3, false, resolver, nil)
	s.SetDonorStore(fixedDonorReader{node: 2, ok: true})

	s.mu.Lock()
	s.selfConnectivityMask = 0
	s.clique = FullMask(3)
	s.receiverMask = Bit(2) | Bit(3)
	s.senderMask = Bit(2) | Bit(3)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	snap := s.Snapshot()
	if snap.Status != StatusOnline {
		t.Fatalf("status = %s, want Online", snap.Status)
	}
	if snap.RefereeWinnerID != 2 {
		t.Fatalf("RefereeWinnerID = %d, want 2 (loaded from durable store)", snap.RefereeWinnerID)
	}
	if resolver.resolvedAllCalls != 1 {
		t.Fatalf("ResolveAllTransactions calls = %d, want 1", resolver.resolvedAllCalls)
	}
}

// TestOnlineDemotedWhenDisabledMaskBreaksMajority exercises the majority
// check the Online branch must run against disabled_mask, independent of
// self_connectivity_mask: two neighbors disabled out from under a node
// that still locally reaches everyone must still demote it, rather than
// leaving it Online as a lone master (Property 1).
func TestOnlineDemotedWhenDisabledMaskBreaksMajority(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	bringOnline(t, s, 3)

	s.ProcessNeighborEvent(ctx, 2, NeighborWalSenderStartRecovery)
	if got := s.Snapshot().Status; got != StatusOnline {
		t.Fatalf("status after disabling one of two peers = %s, want Online (still majority)", got)
	}

	s.ProcessNeighborEvent(ctx, 3, NeighborCliqueDisable)

	snap := s.Snapshot()
	if snap.Status != StatusDisabled {
		t.Fatalf("status = %s, want Disabled once disabled_mask drops below majority", snap.Status)
	}
	if snap.StatusReason != "nEnabled less than majority" {
		t.Fatalf("status reason = %q, want %q", snap.StatusReason, "nEnabled less than majority")
	}
	if snap.SelfConnectivityMask != 0 {
		t.Fatalf("self_connectivity_mask = %s, want unchanged/empty: connectivity never moved in this scenario", snap.SelfConnectivityMask.String(3))
	}
}

type recordingControlFile struct {
	saved []NodeID
}

func (r *recordingControlFile) SaveControlFile(donor NodeID) error {
	r.saved = append(r.saved, donor)
	return nil
}

// TestRecoveryToRecoveredPersistsControlFile exercises spec.md §4.4/§6's
// control file update on entry to Recovered: the donor node id recorded by
// an earlier recovery-start event must be durably persisted so a later
// restart can resume recovery from any cluster node.
func TestRecoveryToRecoveredPersistsControlFile(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)
	cf := &recordingControlFile{}
	s.SetControlFileWriter(cf)

	s.mu.Lock()
	s.recoverySlot = 2
	s.selfConnectivityMask = 0
	s.clique = FullMask(3)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	if got := s.Snapshot().Status; got != StatusRecovered {
		t.Fatalf("status = %s, want Recovered (no receivers/senders caught up yet)", got)
	}
	if len(cf.saved) != 1 || cf.saved[0] != 2 {
		t.Fatalf("SaveControlFile calls = %v, want exactly one call with donor 2", cf.saved)
	}
}

func TestCascadeCollapsesDisabledToOnline(t *testing.T) {
	ctx := context.Background()
	s := newTestState(1, 3, false)

	// Preload receiver/sender masks and full connectivity/clique so the
	// Recovered->Online preconditions already hold at event arrival.
	s.mu.Lock()
	s.selfConnectivityMask = 0
	s.clique = FullMask(3)
	s.receiverMask = Bit(2) | Bit(3)
	s.senderMask = Bit(2) | Bit(3)
	s.checkStateLocked(ctx)
	s.mu.Unlock()

	if got := s.Snapshot().Status; got != StatusOnline {
		t.Fatalf("status = %s, want Online after single cascade", got)
	}
}
