// Package stagebuilder implements the stage builder (C12): given an
// action node, finds the minimal set of ancestor nodes that must run
// (or re-run) to satisfy it, then executes them in dependency order.
package stagebuilder

import (
	"context"

	"github.com/google/uuid"
	"github.com/willf/bitset"
	"golang.org/x/sync/errgroup"

	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/internal/log"
)

// Run walks root's ancestors, halting at any node already in state
// CACHED (its cache File can be replayed without re-executing it), and
// executes the resulting nodes in reverse-topological (parents before
// children) order: each node's Execute, then PushData into its
// children (§4.8).
func Run(ctx context.Context, ectx *exectx.Context, root *graph.Node) error {
	order := plan(root)
	for _, n := range order {
		if n.State() == graph.CACHED {
			continue
		}
		if err := n.Execute(ctx, ectx); err != nil {
			return err
		}
		if err := n.PushData(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunHost runs one Run per local worker on a host concurrently, under
// a single job-run id used to tag every worker's log lines for this
// run. Each local worker owns its own Context and graph root, so
// their Runs share no mutable state beyond the block pool and stream
// multiplexer, both already safe for concurrent use from their own
// local worker's Execute calls.
func RunHost(ctx context.Context, ectxs []*exectx.Context, roots []*graph.Node) error {
	runID := uuid.New().String()
	g, gctx := errgroup.WithContext(ctx)
	for i := range ectxs {
		i := i
		g.Go(func() error {
			log.Info.Printf("stagebuilder[run=%s]: local worker %d starting", runID, ectxs[i].LocalWorker)
			err := Run(gctx, ectxs[i], roots[i])
			if err != nil {
				log.Error.Printf("stagebuilder[run=%s]: local worker %d failed: %v", runID, ectxs[i].LocalWorker, err)
			}
			return err
		})
	}
	return g.Wait()
}

// plan returns root's ancestor set (including root) in an order where
// every node appears after all of its parents, skipping the
// ancestors of any node already CACHED (its parents need not be
// visited at all, since its cache already holds their combined
// effect).
func plan(root *graph.Node) []*graph.Node {
	var order []*graph.Node
	// visited tracks which node ids the walk has already placed into
	// order, as a bitset rather than a map[uint64]bool: node ids are
	// dense, small non-negative integers (a per-process monotonic
	// counter), exactly bitset's sweet spot over a graph that can run
	// into thousands of nodes across a long-lived job.
	visited := bitset.New(0)

	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		idx := uint(n.ID())
		if visited.Test(idx) {
			return
		}
		visited.Set(idx)
		if n.State() != graph.CACHED {
			for _, p := range n.Parents() {
				visit(p)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}
