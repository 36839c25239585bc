// Package config resolves a worker's job configuration (§6) from
// defaults, process environment, and explicit overrides, applied in
// that precedence order (there is no config-file layer) — the same
// layering idiom as grailbio-base/config's provider chain, simplified
// to a single flat struct since a job has one fixed set of options
// rather than an extensible instance registry.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/flowbase/flowbase/internal/errors"
)

// FlushMode selects one of the pre-table flush ordering policies of
// §4.6.
type FlushMode int

const (
	// FlushOneFactor is the 1-factor round-robin schedule (default).
	FlushOneFactor FlushMode = iota
	// FlushSmallestFirst flushes partitions ordered by item count.
	FlushSmallestFirst
	// FlushLRU flushes least-recently-flushed partitions first.
	FlushLRU
	// FlushLFU flushes least-frequently-flushed partitions first.
	FlushLFU
	// FlushRandom flushes partitions in random order.
	FlushRandom
)

// Config holds the recognized options of §6.
type Config struct {
	// BlockSize is the target capacity of a byte block in bytes.
	BlockSize int
	// RAMBudget is the total resident bytes allowed across all block
	// pools on a host.
	RAMBudget int64
	// DiskScratchDir is the directory for spill files.
	DiskScratchDir string
	// DiskScratchCompression enables s2 compression of spilled block
	// bytes (DOMAIN-1 in SPEC_FULL.md); off by default.
	DiskScratchCompression bool
	// BucketRate splits bucket-head pointers vs. bucket blocks in
	// reduce tables, in (0, 1].
	BucketRate float64
	// MaxPartitionFillRate is the pre-table per-partition fill
	// trigger, in (0, 1].
	MaxPartitionFillRate float64
	// MaxFrameFillRate is the post-table per-frame spill trigger, in
	// (0, 1].
	MaxFrameFillRate float64
	// FlushMode selects a pre-table flush policy.
	FlushMode FlushMode
	// TableRateMultiplier bounds the post-table second-stage budget
	// as a fraction of the table's own budget.
	TableRateMultiplier float64
	// WorkersPerHost is the number of worker threads per host.
	WorkersPerHost int
	// Hostlist is the ordered list of host:port endpoints; position is
	// host rank.
	Hostlist []string
	// Rank is this host's rank; must match its position in Hostlist.
	Rank int
}

// Default returns the configuration's documented defaults.
func Default() Config {
	return Config{
		BlockSize:            2 << 20, // 2 MiB
		RAMBudget:             1 << 30, // 1 GiB
		DiskScratchDir:        os.TempDir(),
		BucketRate:            0.9,
		MaxPartitionFillRate:  0.6,
		MaxFrameFillRate:      0.6,
		FlushMode:             FlushOneFactor,
		TableRateMultiplier:   0.6,
		WorkersPerHost:        1,
	}
}

// FromEnviron overlays rank and hostlist read from the process
// environment (FLOWBASE_RANK, FLOWBASE_HOSTLIST) onto cfg, matching
// §6's "a host reads its rank and hostlist from process environment
// when no explicit configuration is passed". Values already set in
// cfg (Hostlist non-empty, or Rank explicitly provided via
// rankExplicit) are left untouched.
func FromEnviron(cfg Config, rankExplicit bool) (Config, error) {
	if hostlist, ok := os.LookupEnv("FLOWBASE_HOSTLIST"); ok && len(cfg.Hostlist) == 0 {
		cfg.Hostlist = strings.Split(hostlist, ",")
	}
	if rankStr, ok := os.LookupEnv("FLOWBASE_RANK"); ok && !rankExplicit {
		r, err := strconv.Atoi(rankStr)
		if err != nil {
			return cfg, errors.E(errors.Invalid, "FLOWBASE_RANK", err)
		}
		cfg.Rank = r
	}
	return cfg, nil
}

// Validate checks the invariants §6 implies: rank must index into
// hostlist, and the fill-rate/bucket-rate options must be proper
// fractions.
func (c Config) Validate() error {
	if c.Rank < 0 || c.Rank >= len(c.Hostlist) {
		return errors.E(errors.Invalid, "rank must match its position in hostlist")
	}
	for _, f := range []float64{c.BucketRate, c.MaxPartitionFillRate, c.MaxFrameFillRate, c.TableRateMultiplier} {
		if f <= 0 || f > 1 {
			return errors.E(errors.Invalid, "fill/bucket rate must be in (0, 1]")
		}
	}
	if c.WorkersPerHost < 1 {
		return errors.E(errors.Invalid, "workers_per_host must be >= 1")
	}
	if c.BlockSize <= 0 {
		return errors.E(errors.Invalid, "block_size must be positive")
	}
	return nil
}

// HostCount returns the number of hosts in the job.
func (c Config) HostCount() int { return len(c.Hostlist) }
