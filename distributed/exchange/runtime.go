package exchange

import (
	"context"
	"encoding/binary"
	"fmt"

	"tensorq/distributed/communication"
	"tensorq/ir"
	"tensorq/plan"
	"tensorq/table"
)

// Runtime executes exchange nodes on one rank. Every rank of a cluster runs
// the same plan, so when one rank reaches an exchange node its peers reach
// the same node; the collective calls below pair up by construction.
type Runtime struct {
	coll communication.Collective
}

// NewRuntime wraps a rank's collective
func NewRuntime(coll communication.Collective) *Runtime {
	return &Runtime{coll: coll}
}

// Operator returns the plan operator implementing this rank's side of
// shuffle, broadcast, and all-reduce exchanges.
func (r *Runtime) Operator() plan.Operator {
	return func(ctx context.Context, inputs []*table.Table, params plan.Params) (*table.Table, error) {
		kind, ok := params["exchange"].(ir.ExchangeKind)
		if !ok {
			return nil, fmt.Errorf("parameter \"exchange\" is %T, expected ir.ExchangeKind", params["exchange"])
		}
		in := inputs[0]
		if r.coll.Size() == 1 {
			return in, nil
		}
		switch kind {
		case ir.ExchangeShuffle:
			keys, err := params.Strings("keys")
			if err != nil {
				return nil, err
			}
			return r.shuffle(ctx, in, keys)
		case ir.ExchangeBroadcast:
			return r.broadcast(ctx, in)
		case ir.ExchangeAllReduce:
			return r.allReduce(ctx, in)
		default:
			return nil, fmt.Errorf("unknown exchange kind %q", kind)
		}
	}
}

// shuffle hash-partitions the local rows by key and redistributes them so
// that rows with equal keys land on the same rank. The wire protocol runs
// in two rounds: every pair first agrees on payload sizes, then moves the
// payloads, so a receiver can reject a truncated or oversized frame before
// decoding it.
func (r *Runtime) shuffle(ctx context.Context, in *table.Table, keys []string) (*table.Table, error) {
	rank, size := r.coll.Rank(), r.coll.Size()

	rows, err := HashPartition(in, keys, size)
	if err != nil {
		return nil, err
	}

	parts := make([]*table.Table, size)
	payloads := make([][]byte, size)
	for peer := 0; peer < size; peer++ {
		part, err := in.Gather(rows[peer])
		if err != nil {
			return nil, err
		}
		parts[peer] = part
		if peer == rank {
			continue
		}
		payloads[peer], err = communication.EncodeTable(part)
		if err != nil {
			return nil, err
		}
	}

	// Round 1: sizes
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		header := make([]byte, 8)
		binary.BigEndian.PutUint64(header, uint64(len(payloads[peer])))
		if err := r.coll.Send(ctx, peer, header); err != nil {
			return nil, err
		}
	}

	// Round 2: payloads
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		if err := r.coll.Send(ctx, peer, payloads[peer]); err != nil {
			return nil, err
		}
	}

	received := make([]*table.Table, size)
	received[rank] = parts[rank]
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		header, err := r.coll.Recv(ctx, peer)
		if err != nil {
			return nil, err
		}
		if len(header) != 8 {
			return nil, &communication.ExchangeProtocolError{
				Rank:    rank,
				Message: fmt.Sprintf("size header from rank %d is %d bytes, expected 8", peer, len(header)),
			}
		}
		want := binary.BigEndian.Uint64(header)

		payload, err := r.coll.Recv(ctx, peer)
		if err != nil {
			return nil, err
		}
		if uint64(len(payload)) != want {
			return nil, &communication.ExchangeProtocolError{
				Rank:    rank,
				Message: fmt.Sprintf("payload from rank %d is %d bytes, negotiated size was %d", peer, len(payload), want),
			}
		}
		received[peer], err = communication.DecodeTable(payload)
		if err != nil {
			return nil, err
		}
	}
	// Concatenating in rank order keeps the result deterministic for a
	// fixed partitioning.
	return table.Concat(received...)
}

// broadcast gathers every rank's rows at rank 0 and replicates the full
// table to all ranks.
func (r *Runtime) broadcast(ctx context.Context, in *table.Table) (*table.Table, error) {
	rank, size := r.coll.Rank(), r.coll.Size()

	if rank != 0 {
		payload, err := communication.EncodeTable(in)
		if err != nil {
			return nil, err
		}
		if err := r.coll.Send(ctx, 0, payload); err != nil {
			return nil, err
		}
		full, err := r.coll.Broadcast(ctx, 0, nil)
		if err != nil {
			return nil, err
		}
		return communication.DecodeTable(full)
	}

	parts := make([]*table.Table, size)
	parts[0] = in
	for peer := 1; peer < size; peer++ {
		payload, err := r.coll.Recv(ctx, peer)
		if err != nil {
			return nil, err
		}
		parts[peer], err = communication.DecodeTable(payload)
		if err != nil {
			return nil, err
		}
	}
	full, err := table.Concat(parts...)
	if err != nil {
		return nil, err
	}
	payload, err := communication.EncodeTable(full)
	if err != nil {
		return nil, err
	}
	if _, err := r.coll.Broadcast(ctx, 0, payload); err != nil {
		return nil, err
	}
	return full, nil
}

// allReduce concatenates every rank's rows and hands the combined table to
// all ranks. Fold order is fixed by rank, so every rank sees identical rows
// in identical order.
func (r *Runtime) allReduce(ctx context.Context, in *table.Table) (*table.Table, error) {
	payload, err := communication.EncodeTable(in)
	if err != nil {
		return nil, err
	}
	combined, err := r.coll.AllReduce(ctx, payload, concatCombiner)
	if err != nil {
		return nil, err
	}
	return communication.DecodeTable(combined)
}

func concatCombiner(a, b []byte) ([]byte, error) {
	ta, err := communication.DecodeTable(a)
	if err != nil {
		return nil, err
	}
	tb, err := communication.DecodeTable(b)
	if err != nil {
		return nil, err
	}
	merged, err := table.Concat(ta, tb)
	if err != nil {
		return nil, err
	}
	return communication.EncodeTable(merged)
}
