package member

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"quorumd/internal/check"
)

// refereeKey is the durable table key the referee decision is stored
// under; only this row is used (§6).
const refereeKey = "winner"

// maxCliqueStabilizeRounds bounds the clique-stabilization retry loop
// (§5's "suggested: 16 iterations").
const maxCliqueStabilizeRounds = 16

// TxLog reports the durable prepared-transaction log's state for a 2PC
// global transaction id, backing the poll-request responder. Modeled as a
// small injected interface per the design notes, the same way
// TransactionResolver inverts the dependency on the transaction manager.
type TxLog interface {
	Lookup(ctx context.Context, gid string) (TxState, error)
}

// RefereeArbiter is the subset of *RefereeClient the Monitor depends on,
// broken out as an interface so tests can substitute a fake arbiter
// without an HTTP server. spec.md §4.3's third RefereeClient operation,
// read_saved_winner, reads a local durable row rather than talking to the
// referee and so belongs to Store (Store.ReadSavedWinner), not here.
type RefereeArbiter interface {
	GetWinner(ctx context.Context, key string, self NodeID) (NodeID, error)
	ClearWinner(ctx context.Context, key string) error
}

// Monitor is the periodic driver: it reads ConnectivityTracker, calls
// CliqueFinder and RefereeClient, mutates MembershipState under its lock,
// and answers inbound 3PC polls. Grounded on the teacher's reconcile.Worker
// (internal/reconcile/worker.go): a struct of injected collaborators driven
// by a single ticker-based Run loop with OnEvent/OnFailure observability
// hooks, generalized from mesh peer reconciliation to membership
// evaluation.
type Monitor struct {
	State        *MembershipState
	Connectivity *ConnectivityTracker
	Referee      RefereeArbiter
	Store        *Store
	Transport    Transport
	TxLog        TxLog
	Config       Config
	Clock        Clock

	OnEvent   func(eventType, message string)
	OnFailure func(error)

	tracer trace.Tracer
	log    *slog.Logger

	lastClique NodeMask
}

// NewMonitor wires a Monitor from its collaborators. log defaults to
// slog.Default() if nil.
func NewMonitor(state *MembershipState, connectivity *ConnectivityTracker, referee RefereeArbiter, store *Store, transport Transport, txLog TxLog, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if store != nil {
		state.SetDonorStore(store)
		state.SetControlFileWriter(store)
		// spec.md §4.3: read_saved_winner re-seeds referee_winner_id after
		// a restart from the local durable row; it never grants anything
		// by itself.
		if winner, ok, err := store.ReadSavedWinner(refereeKey); err != nil {
			log.Warn("failed to read saved referee winner at startup", "error", err)
		} else if ok {
			state.SeedRefereeWinner(winner)
		}
	}
	if transport != nil {
		wireTransportConnectivity(transport, connectivity, state)
	}
	return &Monitor{
		State:        state,
		Connectivity: connectivity,
		Referee:      referee,
		Store:        store,
		Transport:    transport,
		TxLog:        txLog,
		Config:       cfg,
		Clock:        RealClock{},
		tracer:       otel.Tracer("quorumd/member"),
		log:          log,
	}
}

// wireTransportConnectivity registers OnConnect/OnDisconnect callbacks that
// update both ConnectivityTracker (feeding CliqueFinder's matrix) and
// MembershipState (triggering an immediate recheck) — see SPEC_FULL.md §5's
// "MtmOnNodeConnect/MtmOnNodeDisconnect re-deriving status under lock
// immediately" supplemented feature.
func wireTransportConnectivity(transport Transport, connectivity *ConnectivityTracker, state *MembershipState) {
	transport.OnConnect(func(node NodeID) {
		connectivity.OnPeerConnected(node)
		state.OnPeerConnected(context.Background(), node)
	})
	transport.OnDisconnect(func(node NodeID) {
		connectivity.OnPeerDisconnected(node)
		state.OnPeerDisconnected(context.Background(), node)
	})
}

func (m *Monitor) emit(eventType, message string) {
	if m.OnEvent != nil {
		m.OnEvent(eventType, message)
	}
	m.log.Debug("monitor event", "event", eventType, "message", message)
}

func (m *Monitor) fail(err error) {
	if m.OnFailure != nil {
		m.OnFailure(err)
	}
	if err != nil {
		m.log.Warn("monitor tick failed", "err", err)
	}
}

// Run drives the periodic loop at Config.HeartbeatRecvTimeout, until ctx
// is canceled or a tick returns a fatal error (see IsFatal). A
// LocalNonrecoverableError delivered through MembershipState.ProcessEvent
// returns its FatalError to that caller; Run does not observe it.
func (m *Monitor) Run(ctx context.Context) error {
	check.Assert(m.State != nil, "Monitor.Run: State must not be nil")
	check.Assert(m.Connectivity != nil, "Monitor.Run: Connectivity must not be nil")

	period := m.Config.HeartbeatRecvTimeout()
	if period <= 0 {
		period = 2 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				if IsFatal(err) {
					return err
				}
				m.fail(err)
			}
		}
	}
}

// tick runs one full iteration of the main loop described in §4.5. Each
// tick gets its own correlation id, attached to the trace span and the
// logger every step of the tick uses, so a single iteration's events can
// be grepped out of a busy node's logs.
func (m *Monitor) tick(ctx context.Context) error {
	corrID := uuid.NewString()
	ctx, span := m.tracer.Start(ctx, "member.Monitor.tick")
	defer span.End()
	span.SetAttributes(attribute.String("tick_id", corrID))

	prevLog := m.log
	m.log = prevLog.With("tick_id", corrID)
	defer func() { m.log = prevLog }()

	if err := m.RefreshClusterStatus(ctx); err != nil {
		return err
	}
	m.drainPollRequests(ctx)
	return nil
}

// RefreshClusterStatus implements §4.5 step 2. When
// Config.ClusterStatusPipelineEnabled is false it returns immediately,
// preserving the original's unconditional early return rather than
// silently re-enabling the pipeline (see DESIGN.md "Open Question
// decisions").
func (m *Monitor) RefreshClusterStatus(ctx context.Context) error {
	if !m.Config.ClusterStatusPipelineEnabled {
		return nil
	}

	snap := m.State.Snapshot()
	nConnected := (FullMask(snap.NNodes) &^ snap.SelfConnectivityMask).Popcount()
	half := snap.NNodes / 2

	if err := m.maybeAcquireRefereeGrant(ctx, snap, nConnected, half); err != nil {
		m.fail(err)
	}
	if err := m.maybeClearRefereeGrant(ctx); err != nil {
		m.fail(err)
	}

	clique, stable := m.stabilizeClique(ctx)
	if !stable {
		m.log.Warn("clique did not stabilize within retry budget, adopting last computed value")
	}
	m.applyClique(ctx, clique)
	m.lastClique = clique

	return nil
}

// maybeAcquireRefereeGrant implements §4.5.2a: on an exact even split with
// no cached winner, ask the referee to arbitrate.
func (m *Monitor) maybeAcquireRefereeGrant(ctx context.Context, snap Snapshot, nConnected, half int) error {
	if m.Referee == nil || half == 0 || nConnected != half || snap.RefereeWinnerID != 0 {
		return nil
	}

	winner, err := m.Referee.GetWinner(ctx, refereeKey, snap.SelfID)
	if err != nil {
		return err
	}
	if int(winner) < 1 || int(winner) > snap.NNodes {
		return protocolErr("Monitor.maybeAcquireRefereeGrant", "referee returned out-of-range winner id")
	}
	if err := m.Store.SaveDonor(winner); err != nil {
		return err
	}
	if err := m.Store.SaveDecision(refereeKey, winner, m.Clock.Now().Format(time.RFC3339)); err != nil {
		m.log.Warn("failed to record referee decision history", "error", err)
	}
	if winner != snap.SelfID {
		return nil
	}

	m.State.mu.Lock()
	defer m.State.mu.Unlock()

	// Re-derive nConnected under the lock: the view may have moved since
	// the snapshot above was taken, since the referee RPC ran unlocked.
	nowConnected := (FullMask(m.State.nNodes) &^ m.State.selfConnectivityMask).Popcount()
	if nowConnected != half {
		return nil
	}

	// Grounded on the original's gate: countZeroBits(SELF_CONNECTIVITY_MASK)
	// == 1, i.e. only self is reachable. Resolving all transactions is only
	// needed when the grant is about to let this node operate completely
	// alone; a node with other live peers already has them to reconcile
	// against normally.
	aloneWithGrant := nowConnected == 1
	if aloneWithGrant {
		if err := m.State.resolver.ResolveAllTransactions(ctx); err != nil {
			m.log.Warn("resolve all transactions before accepting referee grant failed", "error", err)
		}
	}
	m.State.refereeWinnerID = winner
	m.State.refereeGrant = true
	m.State.checkStateLocked(ctx)
	m.emit("referee.grant", "referee granted majority to self on even split")
	return nil
}

// maybeClearRefereeGrant implements §4.5.2b: once every node is enabled
// again and the local node is Online, release the referee grant.
func (m *Monitor) maybeClearRefereeGrant(ctx context.Context) error {
	snap := m.State.Snapshot()
	if snap.RefereeWinnerID == 0 || snap.Status != StatusOnline {
		return nil
	}
	if snap.DisabledMask != 0 {
		return nil
	}

	if err := m.Store.ClearDonor(); err != nil {
		return err
	}
	if m.Referee != nil {
		if err := m.Referee.ClearWinner(ctx, refereeKey); err != nil {
			return err
		}
	}

	m.State.mu.Lock()
	m.State.refereeWinnerID = 0
	m.State.refereeGrant = false
	m.State.mu.Unlock()
	m.emit("referee.clear", "referee grant released, full cluster enabled")
	return nil
}

// stabilizeClique implements §4.5.2c: recompute the clique every
// 2*heartbeat_recv_timeout until two consecutive computations agree, or
// the retry budget is exhausted.
func (m *Monitor) stabilizeClique(ctx context.Context) (NodeMask, bool) {
	matrix := m.Connectivity.BuildMatrix()
	mask, _ := MaxClique(matrix, m.State.nNodes)

	if mask == m.lastClique {
		return mask, true
	}

	wait := 2 * m.Config.HeartbeatRecvTimeout()
	prev := mask
	for i := 0; i < maxCliqueStabilizeRounds; i++ {
		select {
		case <-ctx.Done():
			return prev, false
		case <-time.After(wait):
		}
		matrix = m.Connectivity.BuildMatrix()
		mask, _ = MaxClique(matrix, m.State.nNodes)
		if mask == prev {
			return mask, true
		}
		prev = mask
	}
	return prev, false
}

// applyClique implements §4.5.2d-e: adopt the clique, and — unless under
// referee grant — raise CLIQUE_DISABLE/NEIGHBOR_CLIQUE_DISABLE for every
// node newly absent from it.
func (m *Monitor) applyClique(ctx context.Context, clique NodeMask) {
	snap := m.State.Snapshot()
	newlyExcluded := snap.Clique &^ clique
	if snap.Clique == 0 {
		// First clique ever computed: there is no previous clique to diff
		// against, so every node of the cluster absent from it counts as
		// excluded.
		newlyExcluded = (FullMask(snap.NNodes) &^ clique)
	}

	m.State.mu.Lock()
	m.State.clique = clique
	refereeGrant := m.State.refereeGrant
	m.State.mu.Unlock()

	if refereeGrant {
		return
	}

	for i := 0; i < snap.NNodes; i++ {
		node := NodeID(i + 1)
		if !newlyExcluded.Has(node) {
			continue
		}
		if node == snap.SelfID {
			if err := m.State.ProcessEvent(ctx, LocalCliqueDisable, 0); err != nil {
				if IsFatal(err) {
					m.fail(err)
				}
			}
			m.emit("clique.self_excluded", "local node fell out of the adopted clique")
		} else {
			m.State.ProcessNeighborEvent(ctx, node, NeighborCliqueDisable)
			m.emit("clique.neighbor_excluded", "peer excluded from the adopted clique")
		}
	}
}

// drainPollRequests implements §4.5 step 3: answer inbound 3PC status
// probes carried as ArbiterMessage on the transport.
func (m *Monitor) drainPollRequests(ctx context.Context) {
	if m.Transport == nil || m.TxLog == nil {
		return
	}

	for {
		from, payload, ok := m.Transport.TryRecv()
		if !ok {
			return
		}
		msg, err := DecodeArbiterMessage(payload)
		if err != nil {
			m.log.Warn("discarding malformed arbiter message", "from", from, "error", err)
			continue
		}
		if msg.Code != ArbiterPollRequest {
			continue
		}

		state, err := m.TxLog.Lookup(ctx, msg.Gid)
		if err != nil {
			m.log.Warn("tx log lookup failed for poll request", "gid", msg.Gid, "error", err)
			state = TxNotFound
		}

		reply := ArbiterMessage{
			Code:  ArbiterPollResponse,
			Node:  m.State.Snapshot().SelfID,
			State: state,
			Gid:   msg.Gid,
		}
		buf, err := reply.Encode()
		if err != nil {
			m.log.Warn("failed to encode poll response", "gid", msg.Gid, "error", err)
			continue
		}
		if err := m.Transport.Send(ctx, from, buf); err != nil {
			m.log.Warn("failed to send poll response", "to", from, "error", err)
		}
	}
}

