// Package chunkstore manages a directory of chunk files: contiguous,
// file-backed runs of ledger transactions. Chunks close only on signature
// boundaries, so every complete chunk is independently verifiable by its tail
// signature. The store is the single writer; closed chunks are immutable and
// may be read concurrently without synchronization.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	chunkPrefix     = "ledger_"
	committedSuffix = ".committed"

	// RecoverySuffix marks recovery artifacts: complete chunks produced
	// outside the normal append path, skipped by the splitter and other
	// tooling.
	RecoverySuffix = ".recovery"
)

// Chunk describes one chunk file.
type Chunk struct {
	Path      string
	First     uint64
	Last      uint64 // 0 while the chunk is still open
	Committed bool
	Recovery  bool
}

// IsOpen reports whether the chunk is the live tail of the ledger.
func (c Chunk) IsOpen() bool { return c.Last == 0 }

// Contains reports whether seqno falls within the chunk's closed range.
// For an open chunk only the lower bound is checked; the caller compares
// against the store's last written seqno.
func (c Chunk) Contains(seqno uint64) bool {
	if seqno < c.First {
		return false
	}
	return c.IsOpen() || seqno <= c.Last
}

// Name returns the chunk's filename.
func (c Chunk) Name() string {
	if c.IsOpen() {
		return fmt.Sprintf("%s%d", chunkPrefix, c.First)
	}
	name := fmt.Sprintf("%s%d-%d", chunkPrefix, c.First, c.Last)
	if c.Committed {
		name += committedSuffix
	}
	if c.Recovery {
		name += RecoverySuffix
	}
	return name
}

// ParseChunkName parses a chunk filename:
//
//	ledger_<first>                    open
//	ledger_<first>-<last>             complete
//	ledger_<first>-<last>.committed   complete and committed
//
// either closed form may additionally carry RecoverySuffix. The second
// return value is false for names that are not chunk files.
func ParseChunkName(name string) (Chunk, bool) {
	c := Chunk{}
	if !strings.HasPrefix(name, chunkPrefix) {
		return c, false
	}
	rest := strings.TrimPrefix(name, chunkPrefix)
	if strings.HasSuffix(rest, RecoverySuffix) {
		c.Recovery = true
		rest = strings.TrimSuffix(rest, RecoverySuffix)
	}
	if strings.HasSuffix(rest, committedSuffix) {
		c.Committed = true
		rest = strings.TrimSuffix(rest, committedSuffix)
	}

	first, last, closed := strings.Cut(rest, "-")
	f, err := strconv.ParseUint(first, 10, 64)
	if err != nil || f == 0 {
		return Chunk{}, false
	}
	c.First = f
	if !closed {
		if c.Committed || c.Recovery {
			// Open chunks are never committed or recovery artifacts.
			return Chunk{}, false
		}
		return c, true
	}
	l, err := strconv.ParseUint(last, 10, 64)
	if err != nil || l < f {
		return Chunk{}, false
	}
	c.Last = l
	return c, true
}

// ListChunks reads the given directories and returns every chunk file found,
// ordered by First. It is a pure function over a fresh directory listing and
// is re-invoked per query rather than cached, so concurrent rotation and
// commitment renames are always observed. Missing directories are skipped.
func ListChunks(dirs ...string) ([]Chunk, error) {
	var chunks []Chunk
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list chunks in %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			c, ok := ParseChunkName(e.Name())
			if !ok {
				continue
			}
			c.Path = filepath.Join(dir, e.Name())
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].First < chunks[j].First })
	return chunks, nil
}
