// Package splitter rewrites one complete chunk file as two complete,
// independently valid chunk files. The split point must be an interior
// signature transaction so both halves still end on a signature. Frames are
// relocated verbatim; signatures are never recomputed. Splitting is an
// offline, operator-invoked operation: the source file is left untouched and
// the caller decides whether to replace it.
package splitter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/txn"
)

// ErrInvalidSplitPoint is returned when the split seqno does not land on a
// signature transaction.
var ErrInvalidSplitPoint = errors.New("split point is not a signature transaction")

// ErrNoOpSplit is returned when the split seqno is the chunk's own closing
// signature, which would reproduce the input.
var ErrNoOpSplit = errors.New("split at the chunk's closing signature is a no-op")

// ErrNotComplete is returned for open chunks and recovery artifacts, which
// must not be split.
var ErrNotComplete = errors.New("chunk is not a complete, splittable chunk")

// Split streams chunkPath through the codec and writes two chunk files into
// outputDir: a left file covering [first, splitSeqno] and a right file
// covering [splitSeqno+1, last]. Both inherit the source's committed marker.
// Outputs are written to temporary files and renamed into place only once
// both halves are complete; on any failure the partial candidates are
// removed. splitSeqno outside the chunk's range returns
// chunkstore.ErrNotFound.
func Split(chunkPath string, splitSeqno uint64, outputDir string, log *zap.Logger) (left, right string, err error) {
	src, ok := chunkstore.ParseChunkName(filepath.Base(chunkPath))
	if !ok {
		return "", "", fmt.Errorf("%w: %s is not a chunk file", ErrNotComplete, chunkPath)
	}
	if src.IsOpen() || src.Recovery {
		return "", "", fmt.Errorf("%w: %s", ErrNotComplete, src.Name())
	}
	if splitSeqno < src.First || splitSeqno > src.Last {
		return "", "", fmt.Errorf("%w: seqno %d outside chunk range [%d,%d]",
			chunkstore.ErrNotFound, splitSeqno, src.First, src.Last)
	}
	if splitSeqno == src.Last {
		return "", "", fmt.Errorf("%w: seqno %d", ErrNoOpSplit, splitSeqno)
	}

	f, err := os.Open(chunkPath)
	if err != nil {
		return "", "", fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	leftChunk := chunkstore.Chunk{First: src.First, Last: splitSeqno, Committed: src.Committed}
	rightChunk := chunkstore.Chunk{First: splitSeqno + 1, Last: src.Last, Committed: src.Committed}
	leftPath := filepath.Join(outputDir, leftChunk.Name())
	rightPath := filepath.Join(outputDir, rightChunk.Name())

	tmpLeft, err := os.CreateTemp(outputDir, leftChunk.Name()+".tmp*")
	if err != nil {
		return "", "", fmt.Errorf("create left output: %w", err)
	}
	tmpRight, err := os.CreateTemp(outputDir, rightChunk.Name()+".tmp*")
	if err != nil {
		tmpLeft.Close()
		os.Remove(tmpLeft.Name())
		return "", "", fmt.Errorf("create right output: %w", err)
	}
	discard := func() {
		tmpLeft.Close()
		tmpRight.Close()
		os.Remove(tmpLeft.Name())
		os.Remove(tmpRight.Name())
	}

	if err := copyFrames(f, tmpLeft, tmpRight, src, splitSeqno); err != nil {
		discard()
		return "", "", err
	}

	for _, out := range []*os.File{tmpLeft, tmpRight} {
		if err := out.Sync(); err != nil {
			discard()
			return "", "", fmt.Errorf("sync output: %w", err)
		}
		if err := out.Close(); err != nil {
			discard()
			return "", "", fmt.Errorf("close output: %w", err)
		}
	}
	if err := os.Rename(tmpLeft.Name(), leftPath); err != nil {
		os.Remove(tmpLeft.Name())
		os.Remove(tmpRight.Name())
		return "", "", fmt.Errorf("place left output: %w", err)
	}
	if err := os.Rename(tmpRight.Name(), rightPath); err != nil {
		os.Remove(tmpRight.Name())
		return "", "", fmt.Errorf("place right output: %w", err)
	}

	log.Info("chunk split",
		zap.String("source", src.Name()),
		zap.Uint64("split_seqno", splitSeqno),
		zap.String("left", leftChunk.Name()),
		zap.String("right", rightChunk.Name()),
	)
	return leftPath, rightPath, nil
}

// copyFrames relocates every frame of src into left (seqno <= splitSeqno) or
// right, verifying that splitSeqno is a signature transaction and that the
// stream matches the ranges encoded in the filename.
func copyFrames(r io.Reader, left, right io.Writer, src chunkstore.Chunk, splitSeqno uint64) error {
	dec := txn.NewDecoder(r)
	expected := src.First
	for {
		t, raw, err := dec.NextRaw()
		if err == io.EOF {
			if expected != src.Last+1 {
				return fmt.Errorf("%w: chunk ends at seqno %d, filename says %d",
					txn.ErrUnexpectedEOF, expected-1, src.Last)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if t.Seqno != expected {
			return fmt.Errorf("%w: seqno %d where %d expected", txn.ErrCorruptFrame, t.Seqno, expected)
		}
		expected++

		if t.Seqno == splitSeqno && !t.IsSignature() {
			return fmt.Errorf("%w: seqno %d", ErrInvalidSplitPoint, splitSeqno)
		}
		out := right
		if t.Seqno <= splitSeqno {
			out = left
		}
		if _, err := out.Write(raw); err != nil {
			return fmt.Errorf("write frame %d: %w", t.Seqno, err)
		}
	}
}
