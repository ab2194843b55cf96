// Package communication provides the collective primitives the exchange
// layer runs on: point-to-point send/receive, broadcast, and all-reduce,
// addressed by rank id. Delivery is reliable and ordered per rank pair; the
// two-round size-negotiation protocol for skewed payloads lives in the
// exchange layer above.
package communication

import (
	"context"
	"fmt"
	"sync"
)

// ExchangeProtocolError reports a collective size or shape mismatch between
// ranks, or a collective poisoned by a peer's failure.
type ExchangeProtocolError struct {
	Rank    int
	Message string
}

func (e *ExchangeProtocolError) Error() string {
	return fmt.Sprintf("exchange protocol error on rank %d: %s", e.Rank, e.Message)
}

// Combiner folds two encoded partial payloads into one. Used by AllReduce;
// must be associative and commutative.
type Combiner func(a, b []byte) ([]byte, error)

// Collective is one rank's handle to the cluster's communication layer. All
// ranks must issue matching collective calls in the same relative order; a
// rank that arrives early blocks until its peers catch up. Abort on any rank
// poisons every in-flight and future operation for all participants.
type Collective interface {
	Rank() int
	Size() int

	// Send delivers a payload to one peer rank
	Send(ctx context.Context, to int, payload []byte) error

	// Recv blocks for the next payload from one peer rank
	Recv(ctx context.Context, from int) ([]byte, error)

	// Broadcast sends root's payload to every rank; every rank returns the
	// root's payload. Non-root ranks pass nil.
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	// AllReduce folds every rank's payload with the combiner; every rank
	// returns the fully combined result.
	AllReduce(ctx context.Context, payload []byte, combine Combiner) ([]byte, error)

	// Abort marks the whole cluster's communication as failed
	Abort(err error)
}

// MemoryCluster is an in-process collective fabric: R ranks connected by
// buffered per-pair channels. Used for tests and single-process multi-rank
// execution, the way an in-memory transport stands in for the network.
type MemoryCluster struct {
	size  int
	pipes [][]chan []byte // pipes[from][to]

	mu       sync.Mutex
	aborted  chan struct{}
	abortErr error
}

// pipeDepth bounds the sends a rank can buffer ahead per peer. All-to-all
// exchanges send before receiving, so the depth must cover one full round.
const pipeDepth = 64

// NewMemoryCluster creates a connected fabric of size ranks
func NewMemoryCluster(size int) (*MemoryCluster, error) {
	if size < 1 {
		return nil, fmt.Errorf("cluster size must be at least 1, got %d", size)
	}
	pipes := make([][]chan []byte, size)
	for from := range pipes {
		pipes[from] = make([]chan []byte, size)
		for to := range pipes[from] {
			pipes[from][to] = make(chan []byte, pipeDepth)
		}
	}
	return &MemoryCluster{
		size:    size,
		pipes:   pipes,
		aborted: make(chan struct{}),
	}, nil
}

// Size returns the number of ranks
func (mc *MemoryCluster) Size() int { return mc.size }

// Collective returns rank's handle to the fabric
func (mc *MemoryCluster) Collective(rank int) (Collective, error) {
	if rank < 0 || rank >= mc.size {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, mc.size)
	}
	return &memoryCollective{cluster: mc, rank: rank}, nil
}

func (mc *MemoryCluster) abort(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	select {
	case <-mc.aborted:
		return // already aborted; keep the first error
	default:
	}
	mc.abortErr = err
	close(mc.aborted)
}

func (mc *MemoryCluster) abortError(rank int) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return &ExchangeProtocolError{
		Rank:    rank,
		Message: fmt.Sprintf("collective aborted: %v", mc.abortErr),
	}
}

type memoryCollective struct {
	cluster *MemoryCluster
	rank    int
}

func (c *memoryCollective) Rank() int { return c.rank }
func (c *memoryCollective) Size() int { return c.cluster.size }

func (c *memoryCollective) Abort(err error) {
	c.cluster.abort(err)
}

func (c *memoryCollective) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= c.cluster.size {
		return &ExchangeProtocolError{Rank: c.rank, Message: fmt.Sprintf("send to invalid rank %d", to)}
	}
	if to == c.rank {
		return &ExchangeProtocolError{Rank: c.rank, Message: "send to self"}
	}
	select {
	case c.cluster.pipes[c.rank][to] <- payload:
		return nil
	case <-c.cluster.aborted:
		return c.cluster.abortError(c.rank)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryCollective) Recv(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= c.cluster.size {
		return nil, &ExchangeProtocolError{Rank: c.rank, Message: fmt.Sprintf("receive from invalid rank %d", from)}
	}
	if from == c.rank {
		return nil, &ExchangeProtocolError{Rank: c.rank, Message: "receive from self"}
	}
	select {
	case payload := <-c.cluster.pipes[from][c.rank]:
		return payload, nil
	case <-c.cluster.aborted:
		return nil, c.cluster.abortError(c.rank)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast is one-to-many over the point-to-point pipes: the root sends to
// every peer in rank order, peers receive from the root.
func (c *memoryCollective) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if root < 0 || root >= c.cluster.size {
		return nil, &ExchangeProtocolError{Rank: c.rank, Message: fmt.Sprintf("broadcast from invalid root %d", root)}
	}
	if c.rank == root {
		for to := 0; to < c.cluster.size; to++ {
			if to == root {
				continue
			}
			if err := c.Send(ctx, to, payload); err != nil {
				return nil, err
			}
		}
		return payload, nil
	}
	return c.Recv(ctx, root)
}

// AllReduce gathers every rank's payload at rank 0, folds in rank order,
// and broadcasts the combined result back.
func (c *memoryCollective) AllReduce(ctx context.Context, payload []byte, combine Combiner) ([]byte, error) {
	if c.cluster.size == 1 {
		return payload, nil
	}

	if c.rank == 0 {
		combined := payload
		for from := 1; from < c.cluster.size; from++ {
			peer, err := c.Recv(ctx, from)
			if err != nil {
				return nil, err
			}
			combined, err = combine(combined, peer)
			if err != nil {
				c.Abort(err)
				return nil, err
			}
		}
		return c.Broadcast(ctx, 0, combined)
	}

	if err := c.Send(ctx, 0, payload); err != nil {
		return nil, err
	}
	return c.Broadcast(ctx, 0, nil)
}
