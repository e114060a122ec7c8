package chunkstore_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/txn"
)

func plainTx(seqno uint64) *txn.Transaction {
	return &txn.Transaction{
		Seqno: seqno,
		View:  1,
		Tables: map[string]map[string][]byte{
			"public:records": {"k": []byte("v")},
		},
	}
}

func sigTx(seqno uint64) *txn.Transaction {
	return &txn.Transaction{
		Seqno: seqno,
		View:  1,
		Tables: map[string]map[string][]byte{
			txn.SignatureTable: {"root": []byte("digest")},
		},
	}
}

func openStore(t *testing.T, cfg chunkstore.Config) *chunkstore.Store {
	t.Helper()
	s, err := chunkstore.Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// appendSeq appends seqnos from..to, emitting signatures at the given seqnos.
func appendSeq(t *testing.T, s *chunkstore.Store, from, to uint64, sigs ...uint64) {
	t.Helper()
	isSig := map[uint64]bool{}
	for _, x := range sigs {
		isSig[x] = true
	}
	for seqno := from; seqno <= to; seqno++ {
		tx := plainTx(seqno)
		if isSig[seqno] {
			tx = sigTx(seqno)
		}
		if err := s.Append(tx); err != nil {
			t.Fatalf("append seqno %d: %v", seqno, err)
		}
	}
}

func TestAppend_outOfOrder(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir()})

	if err := s.Append(plainTx(2)); !errors.Is(err, chunkstore.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for seqno 2 on empty ledger, got %v", err)
	}
	appendSeq(t, s, 1, 3)
	if err := s.Append(plainTx(3)); !errors.Is(err, chunkstore.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for duplicate seqno, got %v", err)
	}
	if err := s.Append(plainTx(5)); !errors.Is(err, chunkstore.ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder for gap, got %v", err)
	}
}

// The end-to-end scenario: seqnos 1..10 with signatures at 4 and 10, rotation
// requested before 4. Chunk A covers [1,4]; the next chunk covers [5,10] once
// the size-independent rotation at 10 is also requested; MarkCommitted(10)
// commits both.
func TestRotationAndCommit_endToEnd(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, chunkstore.Config{Dir: dir})

	appendSeq(t, s, 1, 3)
	s.RequestRotation()
	s.RequestRotation() // idempotent
	appendSeq(t, s, 4, 4, 4)

	chunks, err := s.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected closed [1,4] plus open chunk, got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].First != 1 || chunks[0].Last != 4 || chunks[0].Committed {
		t.Errorf("chunk A: got %+v, want complete uncommitted [1,4]", chunks[0])
	}
	if !chunks[1].IsOpen() || chunks[1].First != 5 {
		t.Errorf("chunk B: got %+v, want open chunk starting at 5", chunks[1])
	}

	appendSeq(t, s, 5, 9)
	s.RequestRotation()
	appendSeq(t, s, 10, 10, 10)

	if err := s.MarkCommitted(10); err != nil {
		t.Fatal(err)
	}
	chunks, err = s.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	var committed []chunkstore.Chunk
	for _, c := range chunks {
		if c.Committed {
			committed = append(committed, c)
		}
	}
	if len(committed) != 2 {
		t.Fatalf("expected 2 committed chunks after MarkCommitted(10), got %+v", chunks)
	}
	if committed[0].Last != 4 || committed[1].First != 5 || committed[1].Last != 10 {
		t.Errorf("committed chunks have wrong ranges: %+v", committed)
	}
	if got := s.CommittedSeqno(); got != 10 {
		t.Errorf("CommittedSeqno() = %d, want 10", got)
	}
}

func TestRotation_waitsForSignature(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir()})

	s.RequestRotation()
	appendSeq(t, s, 1, 3) // no signature yet

	chunks, _ := s.Chunks()
	if len(chunks) != 1 || !chunks[0].IsOpen() {
		t.Fatalf("rotation must not fire before a signature: %+v", chunks)
	}

	appendSeq(t, s, 4, 4, 4)
	chunks, _ = s.Chunks()
	if len(chunks) != 2 || chunks[0].Last != 4 {
		t.Fatalf("rotation should fire at the signature: %+v", chunks)
	}
}

func TestRotation_sizeThreshold(t *testing.T) {
	// Tiny threshold: every signature closes the chunk.
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})

	appendSeq(t, s, 1, 9, 3, 6, 9)
	chunks, _ := s.Chunks()
	if len(chunks) != 4 {
		t.Fatalf("expected 3 closed chunks + open tail, got %+v", chunks)
	}
	wantRanges := [][2]uint64{{1, 3}, {4, 6}, {7, 9}}
	for i, w := range wantRanges {
		if chunks[i].First != w[0] || chunks[i].Last != w[1] {
			t.Errorf("chunk %d: got [%d,%d], want [%d,%d]", i, chunks[i].First, chunks[i].Last, w[0], w[1])
		}
	}
}

func TestChunks_contiguous(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})
	appendSeq(t, s, 1, 20, 4, 9, 13, 17)

	chunks, _ := s.Chunks()
	for i := 1; i < len(chunks); i++ {
		prev, next := chunks[i-1], chunks[i]
		if next.First != prev.Last+1 {
			t.Errorf("gap between chunks: %+v then %+v", prev, next)
		}
	}
}

func TestLocate(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})
	appendSeq(t, s, 1, 7, 4)

	c, err := s.Locate(2)
	if err != nil {
		t.Fatal(err)
	}
	if c.First != 1 || c.Last != 4 {
		t.Errorf("Locate(2) = %+v, want [1,4]", c)
	}

	c, err = s.Locate(6)
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsOpen() || c.First != 5 {
		t.Errorf("Locate(6) = %+v, want open chunk from 5", c)
	}

	if _, err := s.Locate(8); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Errorf("Locate beyond tail: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Locate(0); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Errorf("Locate(0): expected ErrNotFound, got %v", err)
	}
}

func TestIterate_spansChunks(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})
	appendSeq(t, s, 1, 12, 4, 8, 12)

	it, err := s.Iterate(3)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	want := uint64(3)
	for {
		tx, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if tx.Seqno != want {
			t.Fatalf("iterator yielded seqno %d, want %d", tx.Seqno, want)
		}
		want++
	}
	if want != 13 {
		t.Errorf("iteration stopped at %d, want tail 12 inclusive", want-1)
	}

	// Restartable: a fresh call re-opens from the requested point.
	it2, err := s.Iterate(10)
	if err != nil {
		t.Fatal(err)
	}
	defer it2.Close()
	tx, err := it2.Next()
	if err != nil {
		t.Fatal(err)
	}
	if tx.Seqno != 10 {
		t.Errorf("restarted iterator yielded %d, want 10", tx.Seqno)
	}

	if _, err := s.Iterate(13); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Errorf("Iterate beyond tail: expected ErrNotFound, got %v", err)
	}
}

func TestIterate_survivesCommitAndRotationRenames(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})
	appendSeq(t, s, 1, 6, 4) // ledger_1-4 closed, 5 and 6 in the open chunk

	it, err := s.Iterate(1)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	// Commitment renames ledger_1-4 before the iterator touches it.
	if err := s.MarkCommitted(4); err != nil {
		t.Fatal(err)
	}
	for want := uint64(1); want <= 2; want++ {
		tx, err := it.Next()
		if err != nil {
			t.Fatalf("seqno %d after commit rename: %v", want, err)
		}
		if tx.Seqno != want {
			t.Fatalf("yielded seqno %d, want %d", tx.Seqno, want)
		}
	}

	// Rotation renames the open chunk the iterator has yet to reach.
	appendSeq(t, s, 7, 8, 8)

	want := uint64(3)
	for {
		tx, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("seqno %d after rotation rename: %v", want, err)
		}
		if tx.Seqno != want {
			t.Fatalf("yielded seqno %d, want %d", tx.Seqno, want)
		}
		want++
	}
	if want != 7 {
		t.Errorf("iteration stopped at %d, want the captured tail 6 inclusive", want-1)
	}
}

func TestOpen_rejectsGappedDirectory(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, chunkstore.Config{Dir: dir, MaxChunkSize: 1})
	appendSeq(t, s, 1, 8, 4, 8)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "ledger_5-8")); err != nil {
		t.Fatal(err)
	}

	_, err := chunkstore.Open(chunkstore.Config{Dir: dir}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "contiguous") {
		t.Errorf("expected a contiguity error for the gapped directory, got %v", err)
	}
}

func TestCompleteChunks_endOnSignature(t *testing.T) {
	s := openStore(t, chunkstore.Config{Dir: t.TempDir(), MaxChunkSize: 1})
	appendSeq(t, s, 1, 15, 5, 10, 15)

	chunks, _ := s.Chunks()
	for _, c := range chunks {
		if c.IsOpen() {
			continue
		}
		it, err := s.Iterate(c.Last)
		if err != nil {
			t.Fatal(err)
		}
		tx, err := it.Next()
		it.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !tx.IsSignature() {
			t.Errorf("complete chunk %s does not end on a signature", c.Name())
		}
	}
}

func TestOpen_resumesOpenChunk(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, chunkstore.Config{Dir: dir, MaxChunkSize: 1})
	appendSeq(t, s, 1, 6, 4)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, chunkstore.Config{Dir: dir, MaxChunkSize: 1})
	if got := s2.LastWritten(); got != 6 {
		t.Fatalf("resumed LastWritten() = %d, want 6", got)
	}
	appendSeq(t, s2, 7, 8, 8)

	chunks, _ := s2.Chunks()
	if len(chunks) != 3 || chunks[1].First != 5 || chunks[1].Last != 8 {
		t.Errorf("resume should continue the open chunk: %+v", chunks)
	}
}

func TestOpen_surfacesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, chunkstore.Config{Dir: dir})
	appendSeq(t, s, 1, 2)
	s.Close()

	// Truncate the open chunk mid-frame.
	path := filepath.Join(dir, "ledger_1")
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, st.Size()-3); err != nil {
		t.Fatal(err)
	}

	_, err = chunkstore.Open(chunkstore.Config{Dir: dir}, zap.NewNop())
	if !errors.Is(err, txn.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF from truncated tail, got %v", err)
	}
}

func TestReadOnlyDir_readIdentically(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	s := openStore(t, chunkstore.Config{Dir: dir, ReadOnlyDirs: []string{archive}, MaxChunkSize: 1})
	appendSeq(t, s, 1, 9, 4, 8)
	if err := s.MarkCommitted(8); err != nil {
		t.Fatal(err)
	}

	// Relocate the first committed chunk to the archival directory, as an
	// external retention job would.
	if err := os.Rename(
		filepath.Join(dir, "ledger_1-4.committed"),
		filepath.Join(archive, "ledger_1-4.committed"),
	); err != nil {
		t.Fatal(err)
	}

	c, err := s.Locate(2)
	if err != nil {
		t.Fatalf("Locate through read-only dir: %v", err)
	}
	if filepath.Dir(c.Path) != archive {
		t.Errorf("Locate(2) found %s, want the archived copy", c.Path)
	}

	it, err := s.Iterate(1)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	var n int
	for {
		if _, err := it.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 9 {
		t.Errorf("iterated %d transactions across dirs, want 9", n)
	}
}
