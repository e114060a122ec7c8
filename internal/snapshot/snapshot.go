// Package snapshot produces and indexes point-in-time captures of the public
// ledger state. Snapshots are taken at signature boundaries so each one is
// itself signature-verifiable; committed snapshot files are immutable and
// eligible for serving.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	namePrefix      = "snapshot_"
	committedSuffix = ".committed"
)

// Info describes one snapshot file.
type Info struct {
	Name      string
	Index     uint64 // monotonically increasing position in the snapshot sequence
	Seqno     uint64 // sequence number the state was captured at
	Committed bool
}

// FileName builds a snapshot filename from (index, seqno). The index is
// zero-padded so lexicographic filename order equals index order, which lets
// "latest" be answered by a directory listing with no separate manifest.
func FileName(index, seqno uint64, committed bool) string {
	name := fmt.Sprintf("%s%016d_%d", namePrefix, index, seqno)
	if committed {
		name += committedSuffix
	}
	return name
}

// ParseName parses a snapshot filename. Pending captures lack the committed
// suffix. The second return value is false for names that are not snapshot
// files.
func ParseName(name string) (Info, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return Info{}, false
	}
	rest := strings.TrimPrefix(name, namePrefix)
	committed := strings.HasSuffix(rest, committedSuffix)
	rest = strings.TrimSuffix(rest, committedSuffix)

	idxStr, seqStr, ok := strings.Cut(rest, "_")
	if !ok {
		return Info{}, false
	}
	index, err := strconv.ParseUint(idxStr, 10, 64)
	if err != nil || index == 0 {
		return Info{}, false
	}
	seqno, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil || seqno == 0 {
		return Info{}, false
	}
	return Info{Name: name, Index: index, Seqno: seqno, Committed: committed}, true
}

// List reads dir and returns every snapshot file found, ordered by index.
// It is a pure function over a fresh directory listing, re-invoked per query
// so concurrent snapshot creation is always observed.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots in %s: %w", dir, err)
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, ok := ParseName(e.Name()); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos, nil
}

// Latest returns the highest-index snapshot in dir. With committedOnly set,
// pending captures are excluded.
func Latest(dir string, committedOnly bool) (Info, bool) {
	infos, err := List(dir)
	if err != nil {
		return Info{}, false
	}
	for i := len(infos) - 1; i >= 0; i-- {
		if committedOnly && !infos[i].Committed {
			continue
		}
		return infos[i], true
	}
	return Info{}, false
}

// Resolve returns the latest committed snapshot with index strictly greater
// than since.
func Resolve(dir string, since uint64) (Info, bool) {
	latest, ok := Latest(dir, true)
	if !ok || latest.Index <= since {
		return Info{}, false
	}
	return latest, true
}

// Path returns the snapshot's location under dir.
func (i Info) Path(dir string) string { return filepath.Join(dir, i.Name) }
