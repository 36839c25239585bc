// Package group defines the flow group transport contract (C1): the
// small, fixed-membership collective a job's workers use to exchange
// control messages and run collectives, distinct from the much
// higher-volume block stream traffic of package stream.
package group

import "context"

// Group is a reliable, ordered transport over a fixed set of peers,
// indexed by rank [0, Size()). It is not specified here how Group is
// constructed (a real cluster dials TCP per group/tcp, tests wire an
// in-process group/mock); only its contract.
type Group interface {
	// Rank returns this peer's own rank.
	Rank() int
	// Size returns the number of peers in the group.
	Size() int

	// Send transmits data to peer, blocking until queued for delivery.
	Send(ctx context.Context, peer int, data []byte) error
	// Receive blocks for the next message sent to this peer from peer.
	// Messages from a given peer arrive in the order they were sent.
	Receive(ctx context.Context, peer int) ([]byte, error)

	// Barrier blocks until every peer in the group has called Barrier.
	Barrier(ctx context.Context) error
	// AllReduce combines this peer's value with every other peer's
	// value via combine (assumed associative and commutative) and
	// returns the identical combined result on every peer.
	AllReduce(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error)
	// Broadcast distributes root's value to every peer.
	Broadcast(ctx context.Context, root int, value []byte) ([]byte, error)
	// PrefixSum returns, on each peer, the sum of value over all peers
	// of rank <= this peer's rank (an inclusive scan), using combine
	// (assumed associative) in place of addition.
	PrefixSum(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error)

	// Close releases the group's resources. No further calls may be
	// made on a closed Group.
	Close() error
}
