// Package dia implements the operator surface (Map, Filter, FlatMap,
// ReduceByKey, GroupBy, Sort, Zip, PrefixSum, AllGather, and a
// Scatter-backed repartition) on top of the C8-C12 core. It exists
// only to the extent needed to exercise and test that core end to
// end; it is not a general-purpose dataflow API.
package dia

import (
	"context"
	"io"

	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/exec/stagebuilder"
)

// DIA is a typed handle to one node of the dataflow graph. Unlike
// thrill/c7a's compile-time function-stack fusion, each DIA operator
// here materializes its output into its own cache File eagerly when
// executed (see DESIGN.md): this trades a constant factor of
// serialization for a much simpler, still fully C2-C9-exercising,
// implementation.
type DIA[T any] struct {
	ectx  *exectx.Context
	node  *graph.Node
	ops   *materializeOps[T]
	codec serialize.Codec[T]
}

// materializeOps adapts a plain "compute my output file" function into
// graph.Ops: Execute runs it, PushData replays the resulting file's
// items into every registered child callback.
type materializeOps[T any] struct {
	ectx  *exectx.Context
	codec serialize.Codec[T]
	run   func(ctx context.Context, ectx *exectx.Context) (*file.File, error)
	f     *file.File
}

func (o *materializeOps[T]) Execute(ctx context.Context, ectx *exectx.Context) error {
	f, err := o.run(ctx, ectx)
	if err != nil {
		return err
	}
	o.f = f
	return nil
}

func (o *materializeOps[T]) PushData(ctx context.Context, consume bool, children []graph.Callback) error {
	if len(children) == 0 || o.f == nil {
		return nil
	}
	rd, err := o.f.GetReader(consume)
	if err != nil {
		return err
	}
	reader := serialize.NewReader[T](rd, o.codec)
	for {
		item, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		for _, cb := range children {
			if err := cb(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *materializeOps[T]) Dispose() { o.f = nil }

// newDIA wraps run as a new node of kind in the graph, parented on
// parents' underlying nodes.
func newDIA[T any](ectx *exectx.Context, kind graph.Kind, codec serialize.Codec[T], run func(context.Context, *exectx.Context) (*file.File, error), parents ...*graph.Node) *DIA[T] {
	ops := &materializeOps[T]{ectx: ectx, codec: codec, run: run}
	node := graph.NewNode(kind, ops, parents...)
	return &DIA[T]{ectx: ectx, node: node, ops: ops, codec: codec}
}

// newDIAWithID is newDIA for an operator whose run closure needs to
// know its own node's id up front (a DOp that keys its shuffle stream
// on it): the caller reserves the id via graph.ReserveID before
// building run, so run can close over it.
func newDIAWithID[T any](id uint64, ectx *exectx.Context, kind graph.Kind, codec serialize.Codec[T], run func(context.Context, *exectx.Context) (*file.File, error), parents ...*graph.Node) *DIA[T] {
	ops := &materializeOps[T]{ectx: ectx, codec: codec, run: run}
	node := graph.NewNodeWithID(id, kind, ops, parents...)
	return &DIA[T]{ectx: ectx, node: node, ops: ops, codec: codec}
}

// Node returns the DIA's underlying graph node, for composing
// operators that need direct access to the graph (stagebuilder,
// tests).
func (d *DIA[T]) Node() *graph.Node { return d.node }

// SetConsume mirrors graph.Node.SetConsume: when true, this DIA's
// cache File is released once its result has been pushed to children
// or read out, forcing re-execution if it is needed again.
func (d *DIA[T]) SetConsume(flag bool) *DIA[T] {
	d.node.SetConsume(flag)
	return d
}

// File materializes this DIA (running the stage builder if needed)
// and returns its cache File. Whether a read drains the cache is
// chosen by the caller's own File.GetReader(consume) call.
func (d *DIA[T]) File(ctx context.Context) (*file.File, error) {
	if d.node.State() != graph.CACHED && d.node.State() != graph.EXECUTED {
		if err := stagebuilder.Run(ctx, d.ectx, d.node); err != nil {
			return nil, err
		}
	}
	return d.ops.f, nil
}

// Collect materializes this DIA and returns every item as a slice (an
// action, in spec terms: it leaves the dataflow).
func (d *DIA[T]) Collect(ctx context.Context) ([]T, error) {
	f, err := d.File(ctx)
	if err != nil {
		return nil, err
	}
	rd, err := f.GetReader(false)
	if err != nil {
		return nil, err
	}
	reader := serialize.NewReader[T](rd, d.codec)
	var out []T
	for {
		item, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Source returns a DIA wrapping an in-memory slice of items already
// resident on this worker (thrill: read_node.hpp's in-process
// counterpart).
func Source[T any](ectx *exectx.Context, items []T, codec serialize.Codec[T]) *DIA[T] {
	return newDIA[T](ectx, graph.SOURCE, codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		f := ectx.GetFile()
		w, err := f.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[T](ectx.Pool, w, codec, ectx.Config.BlockSize)
		for _, item := range items {
			if err := writer.Put(ctx, item); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return f, nil
	})
}

// Map applies f to every item, element-wise.
func Map[T, U any](d *DIA[T], f func(T) U, codec serialize.Codec[U]) *DIA[U] {
	return newDIA[U](d.ectx, graph.LOP, codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		in, err := readAll(ctx, d)
		if err != nil {
			return nil, err
		}
		out := ectx.GetFile()
		w, err := out.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[U](ectx.Pool, w, codec, ectx.Config.BlockSize)
		for _, item := range in {
			if err := writer.Put(ctx, f(item)); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}, d.node)
}

// Filter keeps only items for which keep returns true.
func Filter[T any](d *DIA[T], keep func(T) bool) *DIA[T] {
	return newDIA[T](d.ectx, graph.LOP, d.codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		in, err := readAll(ctx, d)
		if err != nil {
			return nil, err
		}
		out := ectx.GetFile()
		w, err := out.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[T](ectx.Pool, w, d.codec, ectx.Config.BlockSize)
		for _, item := range in {
			if keep(item) {
				if err := writer.Put(ctx, item); err != nil {
					return nil, err
				}
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}, d.node)
}

// FlatMap applies f to every item, flattening each item's emitted
// slice into the output.
func FlatMap[T, U any](d *DIA[T], f func(T) []U, codec serialize.Codec[U]) *DIA[U] {
	return newDIA[U](d.ectx, graph.LOP, codec, func(ctx context.Context, ectx *exectx.Context) (*file.File, error) {
		in, err := readAll(ctx, d)
		if err != nil {
			return nil, err
		}
		out := ectx.GetFile()
		w, err := out.GetWriter()
		if err != nil {
			return nil, err
		}
		writer := serialize.NewWriter[U](ectx.Pool, w, codec, ectx.Config.BlockSize)
		for _, item := range in {
			for _, u := range f(item) {
				if err := writer.Put(ctx, u); err != nil {
					return nil, err
				}
			}
		}
		if err := writer.Close(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}, d.node)
}

// readAll is the eager-materialization model's equivalent of a
// keeping read: it drains d's cache file without consuming it, so
// repeated reads (or a later re-execution) remain possible.
func readAll[T any](ctx context.Context, d *DIA[T]) ([]T, error) {
	f, err := d.File(ctx)
	if err != nil {
		return nil, err
	}
	rd, err := f.GetReader(false)
	if err != nil {
		return nil, err
	}
	reader := serialize.NewReader[T](rd, d.codec)
	var out []T
	for {
		item, err := reader.Next(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
