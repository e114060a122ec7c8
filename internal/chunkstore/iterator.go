package chunkstore

import (
	"fmt"
	"io"
	"os"

	"github.com/sealbase/sealbase/internal/txn"
)

// Iterator yields transactions in increasing seqno order across chunk
// boundaries. It holds at most one chunk file open at a time. The writer may
// rename chunk files underneath it (rotation, commitment); renames change
// the name but never the range, so a vanished path is re-resolved from a
// fresh listing instead of failing.
type Iterator struct {
	chunks []Chunk
	dirs   []string
	idx    int
	f      *os.File
	dec    *txn.Decoder
	from   uint64
	limit  uint64
}

// Next returns the next transaction, or io.EOF once the iteration reaches
// the write position captured when the iterator was created. Decode errors
// abort the iteration at the bad offset.
func (it *Iterator) Next() (*txn.Transaction, error) {
	for {
		if it.dec == nil {
			if it.idx >= len(it.chunks) {
				return nil, io.EOF
			}
			f, err := it.openChunk(it.chunks[it.idx])
			if err != nil {
				return nil, err
			}
			it.f = f
			it.dec = txn.NewDecoder(f)
		}

		t, err := it.dec.Next()
		if err == io.EOF {
			it.closeCurrent()
			it.idx++
			continue
		}
		if err != nil {
			it.closeCurrent()
			return nil, err
		}
		if t.Seqno < it.from {
			continue
		}
		if t.Seqno > it.limit {
			it.closeCurrent()
			it.idx = len(it.chunks)
			return nil, io.EOF
		}
		return t, nil
	}
}

// openChunk opens the chunk's file, re-resolving its path from a fresh
// listing when a concurrent rotation or commitment rename moved it since
// this iterator's listing was taken. The chunk's First never changes across
// renames, so it identifies the file under any name.
func (it *Iterator) openChunk(c Chunk) (*os.File, error) {
	f, err := os.Open(c.Path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open chunk %s: %w", c.Path, err)
	}
	chunks, lerr := ListChunks(it.dirs...)
	if lerr != nil {
		return nil, lerr
	}
	for _, cur := range chunks {
		if cur.First != c.First {
			continue
		}
		f, err := os.Open(cur.Path)
		if err != nil {
			return nil, fmt.Errorf("open chunk %s: %w", cur.Path, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("open chunk %s: %w", c.Path, err)
}

// Close releases the underlying chunk file, if any.
func (it *Iterator) Close() error {
	it.closeCurrent()
	return nil
}

func (it *Iterator) closeCurrent() {
	if it.f != nil {
		it.f.Close()
		it.f = nil
	}
	it.dec = nil
}
