// Package pipeline is the execution-side stand-in that feeds the chunk store.
// It assigns sequence numbers, maintains the in-memory public state used for
// snapshots, and extends a digest chain over every appended frame. A
// signature transaction sealing the chain is emitted periodically and on
// demand; on a single node the signature seqno is durably committed as soon
// as it is written, standing in for the consensus layer.
package pipeline

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/snapshot"
	"github.com/sealbase/sealbase/internal/txn"
)

// Config holds pipeline settings.
type Config struct {
	// SigInterval emits a signature transaction after this many application
	// transactions. Minimum 1.
	SigInterval uint64
}

// Pipeline serializes all writes to the chunk store. It is the store's
// single writer; callers may submit concurrently and are serialized here.
type Pipeline struct {
	cfg   Config
	store *chunkstore.Store
	snaps *snapshot.Service
	log   *zap.Logger

	mu       sync.Mutex
	view     uint64
	sinceSig uint64
	chain    [blake2b.Size256]byte // digest chain over appended frames
	lastSig  uint64
	state    map[string]map[string][]byte // public state as of the tail
}

// New creates a pipeline over store, resuming the digest chain and public
// state by iterating the retained ledger from its earliest seqno. The
// snapshot service is attached afterwards (it needs the pipeline as its
// StateSource) with AttachSnapshots.
func New(cfg Config, store *chunkstore.Store, log *zap.Logger) (*Pipeline, error) {
	if cfg.SigInterval == 0 {
		cfg.SigInterval = 1
	}
	p := &Pipeline{
		cfg:   cfg,
		store: store,
		log:   log,
		view:  1,
		state: make(map[string]map[string][]byte),
	}
	if tail := store.LastWritten(); tail > 0 {
		it, err := store.Iterate(1)
		if err != nil {
			// The earliest chunks may have been archived and pruned; resume
			// with an empty state from wherever the ledger starts.
			if err := p.replayFromEarliest(); err != nil {
				return nil, err
			}
			return p, nil
		}
		if err := p.replay(it); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AttachSnapshots wires the snapshot service that receives signature and
// commit notifications. Must be called before the first Submit or Sign.
func (p *Pipeline) AttachSnapshots(snaps *snapshot.Service) {
	p.snaps = snaps
}

func (p *Pipeline) replayFromEarliest() error {
	chunks, err := p.store.Chunks()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	it, err := p.store.Iterate(chunks[0].First)
	if err != nil {
		return err
	}
	return p.replay(it)
}

func (p *Pipeline) replay(it *chunkstore.Iterator) error {
	defer it.Close()
	for {
		t, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay ledger: %w", err)
		}
		p.extendChain(t)
		p.apply(t)
		if t.View > p.view {
			p.view = t.View
		}
		if t.IsSignature() {
			p.lastSig = t.Seqno
			p.sinceSig = 0
		} else {
			p.sinceSig++
		}
	}
}

// extendChain folds a transaction's frame into the digest chain.
func (p *Pipeline) extendChain(t *txn.Transaction) {
	h, _ := blake2b.New256(nil)
	h.Write(p.chain[:])
	h.Write(txn.Encode(t))
	copy(p.chain[:], h.Sum(nil))
}

// apply folds a transaction's public writes into the in-memory state. The
// signature table is bookkeeping, not application state.
func (p *Pipeline) apply(t *txn.Transaction) {
	for name, entries := range t.Tables {
		if name == txn.SignatureTable {
			continue
		}
		table := p.state[name]
		if table == nil {
			table = make(map[string][]byte)
			p.state[name] = table
		}
		for k, v := range entries {
			table[k] = append([]byte(nil), v...)
		}
	}
}

// Submit appends one application transaction with the given public writes and
// optional private payload, then emits a signature transaction if the
// signature interval has elapsed. It returns the assigned seqno.
func (p *Pipeline) Submit(tables map[string]map[string][]byte, private []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, reserved := tables[txn.SignatureTable]; reserved {
		return 0, fmt.Errorf("table %q is reserved for signature transactions", txn.SignatureTable)
	}
	t := &txn.Transaction{
		Seqno:   p.store.LastWritten() + 1,
		View:    p.view,
		Tables:  tables,
		Private: private,
	}
	if err := p.store.Append(t); err != nil {
		return 0, err
	}
	p.extendChain(t)
	p.apply(t)
	p.sinceSig++

	if p.sinceSig >= p.cfg.SigInterval {
		if _, err := p.sign(); err != nil {
			return 0, err
		}
	}
	return t.Seqno, nil
}

// Sign emits a signature transaction immediately, sealing every transaction
// since the previous signature.
func (p *Pipeline) Sign() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sign()
}

// sign appends the signature transaction and runs the single-node commit
// path: the consensus layer is external, so commitment of the freshly
// written signature is immediate here. Caller holds mu.
func (p *Pipeline) sign() (uint64, error) {
	seqno := p.store.LastWritten() + 1
	sealed := fmt.Sprintf("%d-%d", p.lastSig+1, seqno)
	t := &txn.Transaction{
		Seqno: seqno,
		View:  p.view,
		Tables: map[string]map[string][]byte{
			txn.SignatureTable: {
				"root":  []byte(hex.EncodeToString(p.chain[:])),
				"range": []byte(sealed),
			},
		},
	}
	if err := p.store.Append(t); err != nil {
		return 0, err
	}
	p.extendChain(t)
	p.lastSig = seqno
	p.sinceSig = 0
	p.log.Debug("signature transaction written",
		zap.Uint64("seqno", seqno),
		zap.String("sealed_range", sealed),
	)

	if p.snaps != nil {
		if err := p.snaps.NotifySignature(seqno); err != nil {
			return 0, err
		}
	}
	if err := p.store.MarkCommitted(seqno); err != nil {
		return 0, err
	}
	if p.snaps != nil {
		if err := p.snaps.NotifyCommit(seqno); err != nil {
			return 0, err
		}
	}
	return seqno, nil
}

// StateAt implements snapshot.StateSource. Captures happen synchronously at
// signature boundaries under the pipeline's writer lock (NotifySignature is
// called from sign), so the in-memory state is exactly the state at seqno.
// The state is serialized as a single codec frame, making snapshot files
// parseable by the transaction codec; the receipt is the digest chain value
// sealing the captured range.
func (p *Pipeline) StateAt(seqno uint64) (io.Reader, []byte, error) {
	t := &txn.Transaction{Seqno: seqno, View: p.view, Tables: p.state}
	receipt := []byte(hex.EncodeToString(p.chain[:]))
	return bytes.NewReader(txn.Encode(t)), receipt, nil
}

// View returns the current consensus view.
func (p *Pipeline) View() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// BumpView raises the view; views are monotonic non-decreasing, so lower
// values are ignored. Called by the consensus collaborator on term changes.
func (p *Pipeline) BumpView(view uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if view > p.view {
		p.view = view
	}
}
