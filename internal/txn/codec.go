package txn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// ErrCorruptFrame is returned when length/checksum framing or the payload
// encoding is inconsistent. Data before the bad offset remains usable.
var ErrCorruptFrame = errors.New("corrupt transaction frame")

// ErrUnexpectedEOF is returned when a stream ends in the middle of a frame.
var ErrUnexpectedEOF = errors.New("unexpected end of chunk mid-frame")

// Frame layout: uint32 little-endian payload length, payload bytes, then the
// first checksumLen bytes of the payload's BLAKE2b-256 digest.
const (
	headerLen   = 4
	checksumLen = 8

	// maxPayloadLen bounds a single transaction payload. Anything larger is
	// treated as framing corruption rather than attempted as an allocation.
	maxPayloadLen = 1 << 30
)

func checksum(payload []byte) [checksumLen]byte {
	sum := blake2b.Sum256(payload)
	var c [checksumLen]byte
	copy(c[:], sum[:checksumLen])
	return c
}

// AppendFrame appends a framed payload to dst and returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	c := checksum(payload)
	return append(dst, c[:]...)
}

// ReadFrame reads one framed payload from r. A clean end of stream returns
// io.EOF; a stream ending mid-frame returns ErrUnexpectedEOF; a length or
// checksum inconsistency returns ErrCorruptFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame header: %v", ErrUnexpectedEOF, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit", ErrCorruptFrame, n)
	}
	buf := make([]byte, int(n)+checksumLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d payload bytes: %v", ErrUnexpectedEOF, n, err)
	}
	payload := buf[:n]
	want := checksum(payload)
	if !bytes.Equal(buf[n:], want[:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
	}
	return payload, nil
}

// Marshal encodes a transaction payload deterministically: table names and
// keys are emitted in sorted order so equal transactions always produce
// identical bytes.
func Marshal(t *Transaction) []byte {
	var b []byte
	b = binary.AppendUvarint(b, t.Seqno)
	b = binary.AppendUvarint(b, t.View)

	names := make([]string, 0, len(t.Tables))
	for name := range t.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	b = binary.AppendUvarint(b, uint64(len(names)))
	for _, name := range names {
		b = binary.AppendUvarint(b, uint64(len(name)))
		b = append(b, name...)

		entries := t.Tables[name]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b = binary.AppendUvarint(b, uint64(len(keys)))
		for _, k := range keys {
			b = binary.AppendUvarint(b, uint64(len(k)))
			b = append(b, k...)
			v := entries[k]
			b = binary.AppendUvarint(b, uint64(len(v)))
			b = append(b, v...)
		}
	}

	b = binary.AppendUvarint(b, uint64(len(t.Private)))
	b = append(b, t.Private...)
	return b
}

// Encode frames a transaction as it is written to a chunk file.
func Encode(t *Transaction) []byte {
	return AppendFrame(nil, Marshal(t))
}

type payloadReader struct {
	r *bytes.Reader
}

func (p payloadReader) uvarint() (uint64, error) {
	v, err := binary.ReadUvarint(p.r)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated varint", ErrCorruptFrame)
	}
	return v, nil
}

func (p payloadReader) bytesN(what string) ([]byte, error) {
	n, err := p.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(p.r.Len()) {
		return nil, fmt.Errorf("%w: %s length %d exceeds remaining payload", ErrCorruptFrame, what, n)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated %s", ErrCorruptFrame, what)
	}
	return buf, nil
}

// Unmarshal decodes a transaction payload produced by Marshal.
func Unmarshal(payload []byte) (*Transaction, error) {
	p := payloadReader{r: bytes.NewReader(payload)}

	seqno, err := p.uvarint()
	if err != nil {
		return nil, err
	}
	view, err := p.uvarint()
	if err != nil {
		return nil, err
	}

	nTables, err := p.uvarint()
	if err != nil {
		return nil, err
	}
	t := &Transaction{Seqno: seqno, View: view}
	if nTables > 0 {
		t.Tables = make(map[string]map[string][]byte, nTables)
	}
	for i := uint64(0); i < nTables; i++ {
		name, err := p.bytesN("table name")
		if err != nil {
			return nil, err
		}
		nEntries, err := p.uvarint()
		if err != nil {
			return nil, err
		}
		entries := make(map[string][]byte, nEntries)
		for j := uint64(0); j < nEntries; j++ {
			k, err := p.bytesN("key")
			if err != nil {
				return nil, err
			}
			v, err := p.bytesN("value")
			if err != nil {
				return nil, err
			}
			entries[string(k)] = v
		}
		t.Tables[string(name)] = entries
	}

	if t.Private, err = p.bytesN("private payload"); err != nil {
		return nil, err
	}
	if p.r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after payload", ErrCorruptFrame, p.r.Len())
	}
	return t, nil
}

// Decoder reads framed transactions sequentially from a stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next decodes the next transaction. It returns io.EOF at a clean end of
// stream, ErrUnexpectedEOF on a truncated frame, and ErrCorruptFrame on
// inconsistent framing or payload bytes.
func (d *Decoder) Next() (*Transaction, error) {
	t, _, err := d.NextRaw()
	return t, err
}

// NextRaw decodes the next transaction and also returns its complete frame
// bytes (header, payload and checksum) so callers can re-emit the frame
// verbatim.
func (d *Decoder) NextRaw() (*Transaction, []byte, error) {
	payload, err := ReadFrame(d.r)
	if err != nil {
		return nil, nil, err
	}
	t, err := Unmarshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return t, AppendFrame(nil, payload), nil
}
