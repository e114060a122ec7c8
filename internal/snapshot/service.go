package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyInProgress is returned by Trigger while a capture is pending.
// The caller should retry after the in-flight capture commits or is
// abandoned; the in-flight capture itself is unaffected.
var ErrAlreadyInProgress = errors.New("a snapshot capture is already in progress")

// StateSource supplies the serialized public-domain state at a signature
// seqno, plus an out-of-band integrity receipt appended to the snapshot
// file. The state is streamed, so snapshot size is bounded only by disk.
type StateSource interface {
	StateAt(seqno uint64) (state io.Reader, receipt []byte, err error)
}

// Config holds snapshot service settings.
type Config struct {
	// Dir is the snapshot directory, exclusively owned by the service.
	Dir string
	// TxInterval triggers a periodic snapshot at the first signature at
	// least this many seqnos after the previous snapshot. Zero disables
	// periodic snapshots.
	TxInterval uint64
}

// Service owns the snapshot directory and the Pending → Committed/Abandoned
// state machine. At most one capture is in flight at a time, enforced by the
// service's own state rather than a caller-held lock.
type Service struct {
	cfg    Config
	source StateSource
	log    *zap.Logger

	// onCommitted, when set, observes every snapshot that commits.
	onCommitted func(Info)

	mu          sync.Mutex
	nextIndex   uint64
	lastSeqno   uint64 // seqno of the most recent capture
	pending     *Info  // in-flight capture, nil when none
	requested   bool
	requestedAt uint64
}

// New opens the snapshot directory. Stale pending files are removed: an
// interrupted capture can never commit because its evidence was lost with the
// process. The next index continues from the highest index on disk.
func New(cfg Config, source StateSource, log *zap.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	infos, err := List(cfg.Dir)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, source: source, log: log, nextIndex: 1}
	for _, info := range infos {
		if !info.Committed {
			if err := os.Remove(info.Path(cfg.Dir)); err != nil {
				return nil, fmt.Errorf("remove stale pending snapshot: %w", err)
			}
			log.Info("removed stale pending snapshot", zap.String("snapshot", info.Name))
			continue
		}
		if info.Index >= s.nextIndex {
			s.nextIndex = info.Index + 1
		}
		if info.Seqno > s.lastSeqno {
			s.lastSeqno = info.Seqno
		}
	}
	return s, nil
}

// OnCommitted registers a callback invoked for every snapshot that commits.
// Used for metrics; must be set before the pipeline starts.
func (s *Service) OnCommitted(fn func(Info)) { s.onCommitted = fn }

// Trigger requests a snapshot. atSeqno zero means "the next signature"; a
// non-zero value delays the capture until a signature at or after it lands.
// Repeated requests before the capture starts are idempotent.
func (s *Service) Trigger(atSeqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return ErrAlreadyInProgress
	}
	if s.requested {
		if atSeqno < s.requestedAt {
			s.requestedAt = atSeqno
		}
		return nil
	}
	s.requested = true
	s.requestedAt = atSeqno
	s.log.Info("snapshot requested", zap.Uint64("at_seqno", atSeqno))
	return nil
}

// NotifySignature is called by the execution pipeline after a signature
// transaction at seqno is written. It starts a capture when an explicit
// trigger is eligible or the periodic interval has elapsed.
func (s *Service) NotifySignature(seqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil
	}
	due := s.requested && seqno >= s.requestedAt
	if !due && s.cfg.TxInterval > 0 && seqno >= s.lastSeqno+s.cfg.TxInterval {
		due = true
	}
	if !due {
		return nil
	}
	return s.capture(seqno)
}

// capture writes the pending snapshot file for seqno. Caller holds mu.
func (s *Service) capture(seqno uint64) error {
	id := uuid.New()
	info := Info{Index: s.nextIndex, Seqno: seqno}
	info.Name = FileName(info.Index, info.Seqno, false)
	path := info.Path(s.cfg.Dir)

	state, receipt, err := s.source.StateAt(seqno)
	if err != nil {
		return fmt.Errorf("collect state at seqno %d: %w", seqno, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", info.Name, err)
	}
	written, err := io.Copy(f, state)
	if err == nil {
		var n int
		n, err = f.Write(receipt)
		written += int64(n)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("write snapshot %s: %w", info.Name, err)
	}

	s.pending = &info
	s.nextIndex++
	s.lastSeqno = seqno
	s.requested = false
	s.log.Info("snapshot captured, awaiting commitment proof",
		zap.String("capture_id", id.String()),
		zap.String("snapshot", info.Name),
		zap.Uint64("seqno", seqno),
		zap.Int64("size_bytes", written),
	)
	return nil
}

// NotifyCommit is called when the consensus layer durably commits seqno.
// A pending capture at or before seqno transitions to Committed: the file is
// renamed with the committed suffix and becomes eligible for serving.
func (s *Service) NotifyCommit(seqno uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || seqno < s.pending.Seqno {
		return nil
	}
	committed := *s.pending
	committed.Committed = true
	committed.Name = FileName(committed.Index, committed.Seqno, true)
	if err := os.Rename(s.pending.Path(s.cfg.Dir), committed.Path(s.cfg.Dir)); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", s.pending.Name, err)
	}
	s.pending = nil
	s.log.Info("snapshot committed", zap.String("snapshot", committed.Name))
	if s.onCommitted != nil {
		s.onCommitted(committed)
	}
	return nil
}

// Abandon silently discards the pending capture, if any, for example when
// the node's role changes before commitment proof lands. Not an error.
func (s *Service) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = false
	if s.pending == nil {
		return
	}
	if err := os.Remove(s.pending.Path(s.cfg.Dir)); err != nil {
		s.log.Warn("removing abandoned snapshot", zap.Error(err))
	}
	s.log.Info("snapshot abandoned", zap.String("snapshot", s.pending.Name))
	s.pending = nil
}

// Pending returns the in-flight capture, if any.
func (s *Service) Pending() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Info{}, false
	}
	return *s.pending, true
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string { return s.cfg.Dir }
