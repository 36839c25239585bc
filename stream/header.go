package stream

import "encoding/binary"

// headerSize is the encoded size of blockHeader: stream_id (u64) plus
// six u32 fields, per spec's wire block header (§6).
const headerSize = 8 + 4*6

const flagEndOfStream = 1 << 0

// blockHeader is the stream wire block header that precedes every
// block payload sent across a group connection.
type blockHeader struct {
	StreamID        uint64
	SourceWorker    uint32
	TargetWorker    uint32
	PayloadLen      uint32
	ItemCount       uint32
	FirstItemOffset uint32
	Flags           uint32
}

func (h blockHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.StreamID)
	binary.LittleEndian.PutUint32(buf[8:12], h.SourceWorker)
	binary.LittleEndian.PutUint32(buf[12:16], h.TargetWorker)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.ItemCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.FirstItemOffset)
	binary.LittleEndian.PutUint32(buf[28:32], h.Flags)
	return buf
}

func decodeHeader(buf []byte) blockHeader {
	return blockHeader{
		StreamID:        binary.LittleEndian.Uint64(buf[0:8]),
		SourceWorker:    binary.LittleEndian.Uint32(buf[8:12]),
		TargetWorker:    binary.LittleEndian.Uint32(buf[12:16]),
		PayloadLen:      binary.LittleEndian.Uint32(buf[16:20]),
		ItemCount:       binary.LittleEndian.Uint32(buf[20:24]),
		FirstItemOffset: binary.LittleEndian.Uint32(buf[24:28]),
		Flags:           binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// ID identifies one stream instance. A stream shared across workers
// takes its id from IDFromNode, which every worker derives identically
// without a handshake; NewID packs (host_rank, local_worker, counter)
// for a stream only one local worker uses.
type ID uint64

// NewID packs a stream id from the worker that allocated it and that
// worker's per-worker stream counter. It is only meaningful for a
// stream a single local worker both opens and registers itself (no
// shuffle partner needs to agree on the number): a scratch stream, a
// test fixture, or similar.
func NewID(hostRank, localWorker int, counter uint32) ID {
	return ID(uint64(hostRank)<<40 | uint64(localWorker)<<32 | uint64(counter))
}

// IDFromNode derives a stream id from a dataflow graph node's id. Every
// worker builds the same SPMD dataflow graph in the same order, so
// graph.Node.ID() is already identical across workers without any
// handshake; a shuffle stream keyed on its owning DOp node's id
// therefore resolves to the same numeric id on sender and receiver,
// which NewID's per-worker encoding cannot guarantee once the opening
// worker's rank differs from the reader's.
func IDFromNode(nodeID uint64) ID {
	return ID(nodeID)
}
