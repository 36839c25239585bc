// Package tcp implements group.Group over real net.Conn connections
// to the peers named in a job's hostlist, using the length-prefixed
// framing convention grailbio-base's ioctx readers use for its own
// wire messages.
package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flowbase/flowbase/group"
	"github.com/flowbase/flowbase/internal/errors"
	"github.com/flowbase/flowbase/internal/log"
	"github.com/flowbase/flowbase/internal/retry"
)

// Group is a group.Group backed by one persistent net.Conn per peer
// pair, dialed eagerly at Dial time following hostlist order (lower
// rank dials, higher rank accepts, to avoid a connect race).
type Group struct {
	rank  int
	size  int
	conns []net.Conn // conns[i] is nil for i == rank

	mu      sync.Mutex
	readers map[int]*frameReader
}

// Dial connects to every peer named in hostlist, establishing this
// process's rank's connections. hostlist[i] is the "host:port" of the
// peer with rank i; rank must equal this process's own position.
func Dial(ctx context.Context, hostlist []string, rank int) (*Group, error) {
	size := len(hostlist)
	if rank < 0 || rank >= size {
		return nil, errors.E(errors.Invalid, "tcp group: rank out of range")
	}
	g := &Group{rank: rank, size: size, conns: make([]net.Conn, size), readers: map[int]*frameReader{}}

	ln, err := net.Listen("tcp", hostlist[rank])
	if err != nil {
		return nil, errors.E(errors.Net, err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	errs := make([]error, size)
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			if peer < rank {
				conn, err := ln.Accept()
				if err != nil {
					errs[peer] = errors.E(errors.Net, err)
					return
				}
				g.conns[peer] = conn
			} else {
				policy := retry.Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second, MaxTries: 20}
				var conn net.Conn
				var dialErr error
				for attempt := 0; ; attempt++ {
					conn, dialErr = net.Dial("tcp", hostlist[peer])
					if dialErr == nil {
						break
					}
					if werr := retry.Wait(ctx, policy, attempt); werr != nil {
						errs[peer] = errors.E(errors.Net, dialErr)
						return
					}
				}
				g.conns[peer] = conn
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for peer, conn := range g.conns {
		if conn != nil {
			g.readers[peer] = newFrameReader(conn)
		}
	}
	log.Info.Printf("tcp group: rank %d connected to %d peers", rank, size-1)
	return g, nil
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

func (g *Group) Send(ctx context.Context, peer int, data []byte) error {
	conn := g.conns[peer]
	if conn == nil {
		return errors.E(errors.Invalid, "tcp group: no connection to peer")
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.E(errors.Net, err)
	}
	if _, err := conn.Write(data); err != nil {
		return errors.E(errors.Net, err)
	}
	return nil
}

func (g *Group) Receive(ctx context.Context, peer int) ([]byte, error) {
	g.mu.Lock()
	r := g.readers[peer]
	g.mu.Unlock()
	if r == nil {
		return nil, errors.E(errors.Invalid, "tcp group: no connection to peer")
	}
	return r.readFrame()
}

// frameReader reads length-prefixed frames off a single net.Conn.
type frameReader struct {
	mu sync.Mutex
	r  io.Reader
}

func newFrameReader(r io.Reader) *frameReader { return &frameReader{r: r} }

func (f *frameReader) readFrame() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, errors.E(errors.Net, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, errors.E(errors.Net, err)
	}
	return buf, nil
}

// Barrier implements a simple dissemination barrier: every peer sends
// a token to, and waits for a token from, every other peer.
func (g *Group) Barrier(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, g.size)
	for peer := 0; peer < g.size; peer++ {
		if peer == g.rank {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[peer] = g.Send(ctx, peer, []byte{1})
		}()
	}
	for peer := 0; peer < g.size; peer++ {
		if peer == g.rank {
			continue
		}
		if _, err := g.Receive(ctx, peer); err != nil && errs[peer] == nil {
			errs[peer] = err
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// AllReduce gathers every peer's value to rank 0, combines, and
// broadcasts the result back out.
func (g *Group) AllReduce(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error) {
	vals, err := g.gatherToRoot(ctx, 0, value)
	if err != nil {
		return 0, err
	}
	var acc uint64
	var result uint64
	if g.rank == 0 {
		acc = vals[0]
		for _, v := range vals[1:] {
			acc = combine(acc, v)
		}
		result = acc
	}
	return g.broadcastUint64(ctx, 0, result)
}

func (g *Group) Broadcast(ctx context.Context, root int, value []byte) ([]byte, error) {
	if g.rank == root {
		for peer := 0; peer < g.size; peer++ {
			if peer == root {
				continue
			}
			if err := g.Send(ctx, peer, value); err != nil {
				return nil, err
			}
		}
		return value, nil
	}
	return g.Receive(ctx, root)
}

func (g *Group) PrefixSum(ctx context.Context, value uint64, combine func(a, b uint64) uint64) (uint64, error) {
	vals, err := g.gatherToRoot(ctx, 0, value)
	if err != nil {
		return 0, err
	}
	prefixes := make([]uint64, g.size)
	if g.rank == 0 {
		acc := vals[0]
		prefixes[0] = acc
		for i := 1; i < g.size; i++ {
			acc = combine(acc, vals[i])
			prefixes[i] = acc
		}
		for peer := 1; peer < g.size; peer++ {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], prefixes[peer])
			if err := g.Send(ctx, peer, buf[:]); err != nil {
				return 0, err
			}
		}
		return prefixes[0], nil
	}
	buf, err := g.Receive(ctx, 0)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (g *Group) gatherToRoot(ctx context.Context, root int, value uint64) ([]uint64, error) {
	if g.rank == root {
		vals := make([]uint64, g.size)
		vals[root] = value
		for peer := 0; peer < g.size; peer++ {
			if peer == root {
				continue
			}
			buf, err := g.Receive(ctx, peer)
			if err != nil {
				return nil, err
			}
			vals[peer] = binary.LittleEndian.Uint64(buf)
		}
		return vals, nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if err := g.Send(ctx, root, buf[:]); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *Group) broadcastUint64(ctx context.Context, root int, value uint64) (uint64, error) {
	if g.rank == root {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		for peer := 0; peer < g.size; peer++ {
			if peer == root {
				continue
			}
			if err := g.Send(ctx, peer, buf[:]); err != nil {
				return 0, err
			}
		}
		return value, nil
	}
	buf, err := g.Receive(ctx, root)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Close closes every peer connection.
func (g *Group) Close() error {
	var firstErr error
	for _, conn := range g.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); firstErr == nil && err != nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ group.Group = (*Group)(nil)
