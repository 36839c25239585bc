// Package context implements the per-worker Context (C10): the
// aggregate binding the block pool, group transport, stream
// multiplexer, and stats graph that operator nodes are built against.
//
// (The package name shadows the standard library's context package by
// design, matching the one-Context-per-worker vocabulary the rest of
// the module uses; call sites import it under the name "exectx" or
// similar to avoid confusion with context.Context, which every
// blocking method here still takes as its first argument.)
package context

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/block/file"
	"github.com/flowbase/flowbase/diagnostic/httpd"
	"github.com/flowbase/flowbase/group"
	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/stats"
	"github.com/flowbase/flowbase/stream"
)

// Context is the per-worker handle operator nodes use to allocate
// Files and Streams and to reach the flow group's collectives.
type Context struct {
	Config      *config.Config
	HostRank    int
	LocalWorker int
	WorkersPerHost int

	Pool  *block.Pool
	Group group.Group
	Mux   *stream.Multiplexer
	Stats *stats.Graph

	mu    sync.Mutex
	files []*file.File
}

// New assembles a Context for one local worker out of its already-
// constructed collaborators.
func New(cfg *config.Config, hostRank, localWorker, workersPerHost int, pool *block.Pool, grp group.Group, mux *stream.Multiplexer) *Context {
	return &Context{
		Config: cfg, HostRank: hostRank, LocalWorker: localWorker, WorkersPerHost: workersPerHost,
		Pool: pool, Group: grp, Mux: mux,
		Stats: stats.New(hostRank, localWorker),
	}
}

// GlobalWorker returns this worker's job-wide rank.
func (c *Context) GlobalWorker() int { return c.HostRank*c.WorkersPerHost + c.LocalWorker }

// GetFile allocates and tracks a new, empty File for this worker's own
// use (a DIA node's cache, a reduce table's spill file, ...).
func (c *Context) GetFile() *file.File {
	f := file.New()
	c.mu.Lock()
	c.files = append(c.files, f)
	c.mu.Unlock()
	return f
}

// GetNewCatStream opens a CatStream with one sub-queue per worker in
// the job.
func (c *Context) GetNewCatStream(numWorkers int) *stream.CatStream {
	return stream.NewCatStream(c.Mux, c.LocalWorker, numWorkers)
}

// GetNewMixStream opens a MixStream with one sub-queue per worker in
// the job.
func (c *Context) GetNewMixStream(numWorkers int) *stream.MixStream {
	return stream.NewMixStream(c.Mux, c.LocalWorker, numWorkers)
}

// GetCatStreamForNode opens the CatStream for a job-wide shuffle owned
// by dataflow node nodeID: every worker executing that same node in
// the same SPMD graph derives the identical stream id (stream.IDFromNode),
// so the sending and receiving sides agree without a handshake.
func (c *Context) GetCatStreamForNode(nodeID uint64, numWorkers int) *stream.CatStream {
	return stream.NewCatStreamWithID(c.Mux, stream.IDFromNode(nodeID), c.LocalWorker, numWorkers)
}

// GetMixStreamForNode is GetCatStreamForNode's MixStream counterpart.
func (c *Context) GetMixStreamForNode(nodeID uint64, numWorkers int) *stream.MixStream {
	return stream.NewMixStreamWithID(c.Mux, stream.IDFromNode(nodeID), c.LocalWorker, numWorkers)
}

// Barrier blocks until every worker's host has reached this call (via
// the flow group; per-host, not per-worker, since the group transport
// connects hosts).
func (c *Context) Barrier(ctx context.Context) error {
	return c.Group.Barrier(ctx)
}

// NewDebugServer returns the diagnostic/httpd handler for this
// worker's Context.
func (c *Context) NewDebugServer() *httpd.Server {
	return httpd.New(c.Pool, c.Stats)
}
