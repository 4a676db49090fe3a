package indexcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/grid-select/internal/selection"
)

const codecVersion = 1

var ErrCorrupt = errors.New("corrupt index map encoding")

// Encode writes a version byte, the length, the first index, then the gaps
// between consecutive indices, all as uvarints. Thinned and trimmed grids
// have small constant gaps, so entries stay a few bytes per kept row.
func Encode(idx selection.IndexMap) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64*2+len(idx))
	buf = append(buf, codecVersion)
	buf = binary.AppendUvarint(buf, uint64(len(idx)))
	prev := 0
	for i, v := range idx {
		if i == 0 {
			buf = binary.AppendUvarint(buf, uint64(v))
		} else {
			buf = binary.AppendUvarint(buf, uint64(v-prev))
		}
		prev = v
	}
	return buf
}

// Decode reverses Encode and rejects anything that is not strictly increasing.
func Decode(b []byte) (selection.IndexMap, error) {
	if len(b) == 0 || b[0] != codecVersion {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	b = b[1:]
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, fmt.Errorf("%w: length", ErrCorrupt)
	}
	b = b[k:]
	// every entry takes at least one byte
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrCorrupt, n, len(b))
	}

	idx := make(selection.IndexMap, 0, n)
	prev := 0
	for i := range int(n) {
		v, k := binary.Uvarint(b)
		if k <= 0 {
			return nil, fmt.Errorf("%w: entry %d", ErrCorrupt, i)
		}
		b = b[k:]
		if i == 0 {
			prev = int(v)
		} else {
			if v == 0 {
				return nil, fmt.Errorf("%w: entry %d not increasing", ErrCorrupt, i)
			}
			prev += int(v)
		}
		idx = append(idx, prev)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b))
	}
	return idx, nil
}
