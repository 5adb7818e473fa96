package member

import "context"

// TransactionResolver is implemented by the transaction manager layered on
// top of membership. The state machine calls it on transitions rather than
// the other way around: membership owns the cluster-status decision,
// resolution is a side effect reported back through this seam, inverting
// the dependency so that internal/member never imports the transaction
// manager.
type TransactionResolver interface {
	// ResolveTransactionsForNode is called after node has been disabled
	// while the local node is Online, so in-flight 2PC transactions
	// involving it can be unblocked without waiting on it.
	ResolveTransactionsForNode(ctx context.Context, node NodeID) error
	// ResolveAllTransactions is called before a stale referee winner is
	// adopted on Recovered->Online, and before a referee grant is accepted
	// that leaves the local node as the only reachable one.
	ResolveAllTransactions(ctx context.Context) error
}

// NopResolver discards all resolution requests. Useful for tests and for
// running the membership core standalone, without a transaction manager.
type NopResolver struct{}

func (NopResolver) ResolveTransactionsForNode(context.Context, NodeID) error { return nil }
func (NopResolver) ResolveAllTransactions(context.Context) error             { return nil }
