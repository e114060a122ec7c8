// Package txn defines the ledger transaction model and its on-disk framing.
//
// A transaction is a public domain (table name → key → value writes) plus an
// optional opaque encrypted payload. The reserved table SignatureTable marks
// signature transactions, which seal the integrity of every transaction since
// the previous signature. The codec is a pure transform: it is used by the
// chunk store for sequential reads and by the splitter for verbatim
// re-emission of frames (signatures are relocated, never recomputed).
package txn

// SignatureTable is the reserved public-domain table name. A transaction
// whose public domain contains this table is a signature transaction.
const SignatureTable = "internal.signatures"

// Transaction is a single ledger entry.
type Transaction struct {
	// Seqno is the 1-based position in the ledger, strictly increasing.
	Seqno uint64
	// View is the consensus term/epoch, monotonic non-decreasing.
	View uint64
	// Tables is the public domain: table name → key → value.
	Tables map[string]map[string][]byte
	// Private is the opaque encrypted payload, nil when absent.
	Private []byte
}

// IsSignature reports whether the transaction's public domain contains the
// reserved signature table.
func (t *Transaction) IsSignature() bool {
	_, ok := t.Tables[SignatureTable]
	return ok
}
