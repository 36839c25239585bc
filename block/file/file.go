// Package file implements the canonical restartable item sequence
// (C4): an ordered sequence of block references owned by exactly one
// worker, written by at most one writer, then read by any number of
// keeping readers or exactly one consuming reader.
package file

import (
	"context"
	"sync"

	"github.com/flowbase/flowbase/block"
	"github.com/flowbase/flowbase/internal/errors"
)

// File is an ordered sequence of block references plus a running item
// and byte count. Once its writer closes, a File is immutable; reads
// may then proceed through any number of keeping readers, or exactly
// one consuming reader that decrements the file's own hold on each
// block as it is read.
type File struct {
	mu sync.Mutex

	refs     []*block.Ref
	numItems int64
	numBytes int64

	writerOpened bool
	writerClosed bool

	consumingReader bool
	keepingReaders  int
}

// New returns an empty, unwritten File.
func New() *File {
	return &File{}
}

// GetWriter returns a Sink-shaped writer for this file. At most one
// writer may be live per file; closing it freezes the file.
func (f *File) GetWriter() (*writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writerOpened {
		return nil, errors.E(errors.Protocol, "file: GetWriter called twice")
	}
	f.writerOpened = true
	return &writer{f: f}, nil
}

// GetReader returns a reader over the file's items. If consume is
// true, the returned reader is the sole reader allowed to exist (no
// keeping readers may coexist with it), and the file's own hold on
// each block is released as that block is read. If consume is false,
// any number of keeping readers may coexist, each independently
// retaining the blocks it reads so the file can be read again.
//
// GetReader fails if the file's writer has not yet closed (§4.3:
// "Fails if a reader is requested while a writer is still open.").
func (f *File) GetReader(consume bool) (*reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writerClosed {
		return nil, errors.E(errors.Precondition, "file: GetReader called before writer closed")
	}
	if consume {
		if f.consumingReader || f.keepingReaders > 0 {
			return nil, errors.E(errors.Protocol, "file: a consuming reader may not coexist with any other reader")
		}
		f.consumingReader = true
		return &reader{f: f, consume: true}, nil
	}
	if f.consumingReader {
		return nil, errors.E(errors.Protocol, "file: a keeping reader may not coexist with a consuming reader")
	}
	f.keepingReaders++
	return &reader{f: f, consume: false}, nil
}

// NumItems returns the total number of items written to the file.
func (f *File) NumItems() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numItems
}

// NumBytes returns the total number of payload bytes written.
func (f *File) NumBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numBytes
}

// NumBlocks returns the number of block references composing the
// file.
func (f *File) NumBlocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

// writer implements serialize.Sink, appending sealed block references
// to the owning File.
type writer struct {
	f *File
}

func (w *writer) Put(ctx context.Context, ref *block.Ref) error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if w.f.writerClosed {
		return errors.E(errors.Protocol, "file: Put after writer closed")
	}
	w.f.refs = append(w.f.refs, ref)
	w.f.numItems += int64(ref.ItemCount)
	w.f.numBytes += int64(ref.Len())
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.writerClosed = true
	return nil
}

// reader implements serialize.Source over a File's block references.
type reader struct {
	f       *File
	consume bool
	pos     int
	closed  bool
}

func (r *reader) Next(ctx context.Context) (*block.Ref, bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if r.consume {
		if r.pos >= len(r.f.refs) {
			return nil, false, nil
		}
		ref := r.f.refs[r.pos]
		r.f.refs[r.pos] = nil
		r.pos++
		return ref, true, nil
	}
	if r.pos >= len(r.f.refs) {
		return nil, false, nil
	}
	ref := r.f.refs[r.pos].Retain()
	r.pos++
	return ref, true, nil
}

// Close releases this reader's claim on the file (a keeping reader
// slot, or the sole consuming-reader slot), allowing a new reader of
// a compatible kind to be created.
func (r *reader) Close() {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.consume {
		r.f.consumingReader = false
	} else {
		r.f.keepingReaders--
	}
}
