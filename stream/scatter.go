package stream

import (
	"context"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/block/serialize"
	"github.com/flowbase/flowbase/internal/errors"
)

// Scatter partitions source's item sequence at the given item indices
// and sends range [offsets[i], offsets[i+1]) to target worker i (§4.5),
// under the given stream id. len(offsets) must be numWorkers+1, with
// offsets[0] == 0 and offsets[last] == source.NumItems(). Exactly one
// Scatter or writer-sequence may run against a given stream instance.
//
// id must be agreed on by every worker that will read this scatter's
// output (see IDFromNode); it is not derived from localWorker's own
// counter, since a multi-worker scatter's receivers are on other
// workers entirely.
func Scatter[T any](ctx context.Context, mux *Multiplexer, pool *block.Pool, localWorker int, id ID, source *file.File, codec serialize.Codec[T], offsets []int64, blockSize int) error {
	numWorkers := len(offsets) - 1
	if numWorkers < 1 {
		return errors.E(errors.Invalid, "stream: Scatter needs at least one target")
	}
	if offsets[0] != 0 || offsets[numWorkers] != source.NumItems() {
		return errors.E(errors.Invalid, "stream: Scatter offsets must span the full item range")
	}

	mux.Register(id, numWorkers)

	rd, err := source.GetReader(false)
	if err != nil {
		return err
	}
	reader := serialize.NewReader[T](rd, codec)

	var idx int64
	for target := 0; target < numWorkers; target++ {
		w := &StreamWriter{mux: mux, id: id, source: localWorker, target: target}
		writer := serialize.NewWriter[T](pool, w, codec, blockSize)
		for ; idx < offsets[target+1]; idx++ {
			item, err := reader.Next(ctx)
			if err != nil {
				return err
			}
			if err := writer.Put(ctx, item); err != nil {
				return err
			}
		}
		if err := writer.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
