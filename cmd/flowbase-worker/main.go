// Command flowbase-worker runs one host of a flowbase job: it builds
// this host's Pool, Group, and Multiplexer from flags (falling back to
// FLOWBASE_RANK/FLOWBASE_HOSTLIST when unset), then runs a demo
// word-count pipeline over stdin across its local workers and prints
// the counted words to stdout.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/serialize"
	"github.com/flowbase/flowbase/dia"
	exectx "github.com/flowbase/flowbase/exec/context"
	"github.com/flowbase/flowbase/exec/graph"
	"github.com/flowbase/flowbase/exec/stagebuilder"
	"github.com/flowbase/flowbase/group/tcp"
	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/log"
	"github.com/flowbase/flowbase/stream"
	"github.com/flowbase/flowbase/table"
)

// intCodec is the fixed-width Codec[int] word counts are stored with;
// int has no POD-width guarantee across platforms, so this pins it to
// the same little-endian 64-bit field serialize.Fixed64 uses for
// everything else (§6).
type intCodec struct{}

func (intCodec) Append(buf []byte, v int) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(int64(v)))
	return append(buf, tmp[:]...)
}

func (intCodec) Get(buf []byte) (int, int, error) {
	if len(buf) < 8 {
		return 0, 0, serialize.ErrShortBuffer
	}
	return int(int64(binary.LittleEndian.Uint64(buf))), 8, nil
}

func main() {
	rank := flag.Int("rank", -1, "this host's rank; defaults to FLOWBASE_RANK")
	hostlist := flag.String("hostlist", "", "comma-separated host:port list, position = rank; defaults to FLOWBASE_HOSTLIST")
	workersPerHost := flag.Int("workers-per-host", 1, "local worker threads on this host")
	ramBudget := flag.Int64("ram-budget", 1<<30, "shared RAM budget in bytes")
	blockSize := flag.Int("block-size", 2<<20, "byte block capacity")
	scratchDir := flag.String("scratch-dir", os.TempDir(), "directory for spill files")
	compress := flag.Bool("compress-scratch", false, "s2-compress spilled block bytes")
	debugAddr := flag.String("debug-addr", "", "if set, serve /metrics and /debug/pool here")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: flowbase-worker [flags] < input-lines

Runs a word-count job over stdin, distributed across this host's
local workers and any peers named in -hostlist.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	cfg := config.Default()
	cfg.WorkersPerHost = *workersPerHost
	cfg.RAMBudget = *ramBudget
	cfg.BlockSize = *blockSize
	cfg.DiskScratchDir = *scratchDir
	cfg.DiskScratchCompression = *compress
	if *hostlist != "" {
		cfg.Hostlist = strings.Split(*hostlist, ",")
	}
	if *rank >= 0 {
		cfg.Rank = *rank
	}
	cfg, err := config.FromEnviron(cfg, *rank >= 0)
	if err != nil {
		log.Fatalf("flowbase-worker: %v", err)
	}
	if len(cfg.Hostlist) == 0 {
		cfg.Hostlist = []string{"127.0.0.1:0"}
		cfg.Rank = 0
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("flowbase-worker: invalid configuration: %v", err)
	}

	ctx := context.Background()
	grp, err := tcp.Dial(ctx, cfg.Hostlist, cfg.Rank)
	if err != nil {
		log.Fatalf("flowbase-worker: dialing peers: %v", err)
	}
	defer grp.Close()

	pool, err := block.NewPool(block.Options{
		RAMBudget:       cfg.RAMBudget,
		ScratchDir:      cfg.DiskScratchDir,
		IOConcurrency:   4,
		CompressScratch: cfg.DiskScratchCompression,
	})
	if err != nil {
		log.Fatalf("flowbase-worker: %v", err)
	}
	defer pool.Close()

	mux := stream.NewMultiplexer(grp, pool, cfg.Rank, cfg.WorkersPerHost)
	defer mux.Close()

	numWorkers := cfg.HostCount() * cfg.WorkersPerHost
	lines := readLines(os.Stdin)

	ectxs := make([]*exectx.Context, cfg.WorkersPerHost)
	for lw := 0; lw < cfg.WorkersPerHost; lw++ {
		ectxs[lw] = exectx.New(&cfg, cfg.Rank, lw, cfg.WorkersPerHost, pool, grp, mux)
	}

	if *debugAddr != "" {
		srv := ectxs[0].NewDebugServer()
		go func() {
			if err := http.ListenAndServe(*debugAddr, srv); err != nil {
				log.Error.Printf("flowbase-worker: debug server: %v", err)
			}
		}()
	}

	// The shuffle ReduceByKey opens must land on the same stream id on
	// every participating worker (§4.4); since this single process may
	// host more than one local worker, the id is reserved once, here,
	// and handed to every local worker's ReduceByKeyWithID call rather
	// than letting each worker's own graph construction allocate one.
	reduceID := graph.ReserveID()

	wcCodec := wordCountCodec{}

	roots := make([]*graph.Node, cfg.WorkersPerHost)
	counted := make([]*dia.DIA[dia.KV[string, dia.KV[string, int]]], cfg.WorkersPerHost)
	for lw := 0; lw < cfg.WorkersPerHost; lw++ {
		share := shard(lines, lw, cfg.WorkersPerHost)
		src := dia.Source[string](ectxs[lw], share, serialize.String{})
		words := dia.FlatMap[string, string](src, splitWords, serialize.String{})
		counts := dia.Map[string, dia.KV[string, int]](words, func(w string) dia.KV[string, int] {
			return dia.KV[string, int]{Key: w, Value: 1}
		}, wcCodec)

		counted[lw] = dia.ReduceByKeyWithID[string, dia.KV[string, int]](
			reduceID,
			counts,
			func(kv dia.KV[string, int]) string { return kv.Key },
			func(a, b dia.KV[string, int]) dia.KV[string, int] {
				return dia.KV[string, int]{Key: a.Key, Value: a.Value + b.Value}
			},
			func(w string) uint64 { return serialize.HashKey(serialize.NewFastKeyHasher(), serialize.String{}, w) },
			serialize.String{}, wcCodec,
			dia.ReduceOpts{NumWorkers: numWorkers, FlushMode: table.FlushMode(cfg.FlushMode), BucketRate: cfg.BucketRate, MaxPartitionFillRate: cfg.MaxPartitionFillRate, MaxFrameFillRate: cfg.MaxFrameFillRate, TableRateMultiplier: cfg.TableRateMultiplier},
		)
		roots[lw] = counted[lw].Node()
	}

	log.Info.Printf("flowbase-worker: rank %d running %d local worker(s) across %d total worker(s)", cfg.Rank, cfg.WorkersPerHost, numWorkers)

	if err := stagebuilder.RunHost(ctx, ectxs, roots); err != nil {
		log.Fatalf("flowbase-worker: %v", err)
	}

	for lw := 0; lw < cfg.WorkersPerHost; lw++ {
		items, err := counted[lw].Collect(ctx)
		if err != nil {
			log.Fatalf("flowbase-worker: collecting local worker %d's output: %v", lw, err)
		}
		for _, kv := range items {
			fmt.Printf("%s\t%d\n", kv.Key, kv.Value.Value)
		}
	}
}

// wordCountCodec is the Codec[dia.KV[string, int]] a word-count
// pipeline's pre/post reduce tables spill with: a string key field
// followed by an 8-byte count field, no self-describing tag, per §6.
type wordCountCodec struct{}

func (wordCountCodec) Append(buf []byte, v dia.KV[string, int]) []byte {
	buf = serialize.String{}.Append(buf, v.Key)
	buf = intCodec{}.Append(buf, v.Value)
	return buf
}

func (wordCountCodec) Get(buf []byte) (dia.KV[string, int], int, error) {
	k, n1, err := serialize.String{}.Get(buf)
	if err != nil {
		return dia.KV[string, int]{}, 0, err
	}
	v, n2, err := intCodec{}.Get(buf[n1:])
	if err != nil {
		return dia.KV[string, int]{}, 0, err
	}
	return dia.KV[string, int]{Key: k, Value: v}, n1 + n2, nil
}

func readLines(f *os.File) []string {
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}

func shard(lines []string, lw, workersPerHost int) []string {
	var out []string
	for i, l := range lines {
		if i%workersPerHost == lw {
			out = append(out, l)
		}
	}
	return out
}

func splitWords(line string) []string {
	return strings.Fields(line)
}
