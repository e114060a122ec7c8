package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/txn"
)

// ErrOutOfOrder is returned when an append does not extend the ledger by
// exactly one seqno. This is a programming error in the calling pipeline and
// is never skipped or reordered.
var ErrOutOfOrder = errors.New("transaction seqno out of order")

// ErrNotFound is returned when a seqno lies beyond the current tail or before
// the earliest retained chunk.
var ErrNotFound = errors.New("seqno not found in ledger")

// Config holds chunk store settings.
type Config struct {
	// Dir is the primary ledger directory, exclusively owned by the store.
	Dir string
	// ReadOnlyDirs are archival directories where committed chunks may have
	// been relocated. Chunks found there are read identically to Dir but
	// never written.
	ReadOnlyDirs []string
	// MaxChunkSize rotates the open chunk at the next signature once it
	// holds at least this many bytes. Zero disables size-based rotation.
	MaxChunkSize int64
}

// Store is the single writer of a ledger directory. Appends are serialized
// by the calling pipeline; readers observe only fully written frames via
// LastWritten, which is published after each frame is flushed.
type Store struct {
	cfg Config
	log *zap.Logger

	mu              sync.Mutex
	f               *os.File
	first           uint64 // first seqno of the open chunk
	size            int64  // bytes written to the open chunk
	rotationPending bool
	committed       uint64 // highest seqno reported by MarkCommitted

	lastWritten atomic.Uint64
}

// Open scans cfg.Dir and resumes the ledger. An existing open chunk is
// replayed through the codec to find the tail and appending continues from
// it; otherwise a fresh chunk starts at the seqno after the last complete
// chunk (or at 1 for an empty directory). A gap in the chunk sequence or
// corruption found during replay is surfaced, not repaired.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	chunks, err := ListChunks(cfg.Dir)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, log: log}
	var open *Chunk
	var lastClosed uint64
	for i := range chunks {
		c := chunks[i]
		if c.IsOpen() {
			if open != nil {
				return nil, fmt.Errorf("ledger dir %s has multiple open chunks (%s, %s)", cfg.Dir, open.Name(), c.Name())
			}
			open = &chunks[i]
			continue
		}
		if c.Last > lastClosed {
			lastClosed = c.Last
		}
		if c.Committed && c.Last > s.committed {
			s.committed = c.Last
		}
	}

	// Contiguity: consecutive chunks (archival dirs included) must chain
	// without gaps, and nothing may follow an open chunk. A gap means the
	// directory was mangled; better to refuse here than fail mid-iteration.
	all := chunks
	if len(cfg.ReadOnlyDirs) > 0 {
		if all, err = ListChunks(append([]string{cfg.Dir}, cfg.ReadOnlyDirs...)...); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if prev.IsOpen() {
			return nil, fmt.Errorf("ledger dir %s has chunk %s beyond the open chunk %s", cfg.Dir, cur.Name(), prev.Name())
		}
		if cur.First != prev.Last+1 {
			return nil, fmt.Errorf("ledger is not contiguous: %s is followed by %s", prev.Name(), cur.Name())
		}
	}

	if open != nil {
		tail, err := replayTail(open.Path, open.First)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(open.Path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("reopen chunk %s: %w", open.Path, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat chunk %s: %w", open.Path, err)
		}
		s.f = f
		s.first = open.First
		s.size = st.Size()
		s.lastWritten.Store(tail)
		log.Info("resumed open chunk",
			zap.String("chunk", open.Name()),
			zap.Uint64("tail_seqno", tail),
		)
		return s, nil
	}

	if err := s.openChunk(lastClosed + 1); err != nil {
		return nil, err
	}
	s.lastWritten.Store(lastClosed)
	log.Info("started new chunk", zap.Uint64("first_seqno", lastClosed+1))
	return s, nil
}

// replayTail reads every frame of an open chunk and returns the seqno of the
// last complete transaction. An empty chunk returns first-1.
func replayTail(path string, first uint64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("replay chunk %s: %w", path, err)
	}
	defer f.Close()

	tail := first - 1
	dec := txn.NewDecoder(f)
	for {
		t, err := dec.Next()
		if err == io.EOF {
			return tail, nil
		}
		if err != nil {
			return 0, fmt.Errorf("replay chunk %s after seqno %d: %w", path, tail, err)
		}
		if t.Seqno != tail+1 {
			return 0, fmt.Errorf("replay chunk %s: seqno %d follows %d", path, t.Seqno, tail)
		}
		tail = t.Seqno
	}
}

// openChunk creates a fresh open chunk starting at first. Caller holds mu or
// has exclusive access.
func (s *Store) openChunk(first uint64) error {
	c := Chunk{First: first}
	path := filepath.Join(s.cfg.Dir, c.Name())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", path, err)
	}
	s.f = f
	s.first = first
	s.size = 0
	return nil
}

// Append writes tx to the open chunk. The frame is flushed before the new
// tail seqno is published, so readers never observe a partial frame. If tx
// is a signature transaction and rotation is due (an explicit request or
// the size threshold), the chunk closes at this signature and a new chunk
// opens at the next seqno.
func (s *Store) Append(t *txn.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastWritten.Load()
	if t.Seqno != last+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, t.Seqno, last+1)
	}

	frame := txn.Encode(t)
	if _, err := s.f.Write(frame); err != nil {
		return fmt.Errorf("append seqno %d: %w", t.Seqno, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync seqno %d: %w", t.Seqno, err)
	}
	s.size += int64(len(frame))
	s.lastWritten.Store(t.Seqno)

	if t.IsSignature() && (s.rotationPending || (s.cfg.MaxChunkSize > 0 && s.size >= s.cfg.MaxChunkSize)) {
		if err := s.rotate(t.Seqno); err != nil {
			return err
		}
	}
	return nil
}

// rotate closes the open chunk at sig (a signature seqno just written) and
// opens the next one. Caller holds mu.
func (s *Store) rotate(sig uint64) error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close chunk: %w", err)
	}
	closed := Chunk{First: s.first, Last: sig, Committed: sig <= s.committed}
	oldPath := filepath.Join(s.cfg.Dir, Chunk{First: s.first}.Name())
	newPath := filepath.Join(s.cfg.Dir, closed.Name())
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("close chunk %s: %w", oldPath, err)
	}
	s.rotationPending = false
	s.log.Info("chunk closed",
		zap.String("chunk", closed.Name()),
		zap.Uint64("first_seqno", closed.First),
		zap.Uint64("last_seqno", closed.Last),
	)
	return s.openChunk(sig + 1)
}

// RequestRotation marks that the next signature transaction should close the
// current chunk. Idempotent; the close always happens at a signature
// boundary, never mid-range.
func (s *Store) RequestRotation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotationPending {
		return
	}
	s.rotationPending = true
	s.log.Info("chunk rotation requested", zap.Uint64("tail_seqno", s.lastWritten.Load()))
}

// MarkCommitted records that every seqno up to and including seqno is durable
// per the consensus layer. Complete chunks fully covered by seqno are renamed
// with the committed suffix.
func (s *Store) MarkCommitted(seqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seqno > s.committed {
		s.committed = seqno
	}
	chunks, err := ListChunks(s.cfg.Dir)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.IsOpen() || c.Committed || c.Last > seqno {
			continue
		}
		committed := c
		committed.Committed = true
		newPath := filepath.Join(filepath.Dir(c.Path), committed.Name())
		if err := os.Rename(c.Path, newPath); err != nil {
			return fmt.Errorf("mark chunk %s committed: %w", c.Name(), err)
		}
		s.log.Info("chunk committed", zap.String("chunk", committed.Name()))
	}
	return nil
}

// Locate returns the chunk (open or closed, primary or read-only dirs)
// containing seqno.
func (s *Store) Locate(seqno uint64) (Chunk, error) {
	if seqno == 0 || seqno > s.lastWritten.Load() {
		return Chunk{}, fmt.Errorf("%w: seqno %d is beyond the ledger tail", ErrNotFound, seqno)
	}
	chunks, err := s.allChunks()
	if err != nil {
		return Chunk{}, err
	}
	for _, c := range chunks {
		if c.Contains(seqno) {
			return c, nil
		}
	}
	return Chunk{}, fmt.Errorf("%w: seqno %d precedes the earliest retained chunk", ErrNotFound, seqno)
}

// Iterate returns transactions in seqno order starting at from, spanning
// chunk boundaries transparently. The iteration is finite: it terminates at
// the write position current when Iterate was called. A fresh call re-opens
// from the requested point.
func (s *Store) Iterate(from uint64) (*Iterator, error) {
	limit := s.lastWritten.Load()
	if from == 0 || from > limit {
		return nil, fmt.Errorf("%w: seqno %d is beyond the ledger tail", ErrNotFound, from)
	}
	chunks, err := s.allChunks()
	if err != nil {
		return nil, err
	}
	start := -1
	for i, c := range chunks {
		if c.Contains(from) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: seqno %d precedes the earliest retained chunk", ErrNotFound, from)
	}
	return &Iterator{chunks: chunks[start:], dirs: s.dirs(), from: from, limit: limit}, nil
}

func (s *Store) dirs() []string {
	return append([]string{s.cfg.Dir}, s.cfg.ReadOnlyDirs...)
}

// allChunks lists the primary and read-only directories.
func (s *Store) allChunks() ([]Chunk, error) {
	return ListChunks(s.dirs()...)
}

// Chunks returns the current chunk listing across all directories.
func (s *Store) Chunks() ([]Chunk, error) { return s.allChunks() }

// LastWritten returns the seqno of the last fully flushed transaction.
func (s *Store) LastWritten() uint64 { return s.lastWritten.Load() }

// CommittedSeqno returns the highest seqno reported by MarkCommitted.
func (s *Store) CommittedSeqno() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Close flushes and closes the open chunk file. The chunk stays open on disk
// and is resumed by the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	err := s.f.Close()
	s.f = nil
	return err
}
