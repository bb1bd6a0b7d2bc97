package rtd

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

var ErrMalformed = errors.New("malformed encoding")

// StateVector maps a site id to the highest change sequence number seen from it. Every site's changes depend on its
// previous ones, so the vector describes the full causal history a replica holds.
type StateVector map[string]uint64

// Encode writes the vector as a uvarint count followed by (site bytes, sequence) pairs in site order.
func (sv StateVector) Encode() []byte {
	sites := make([]string, 0, len(sv))
	for site := range sv {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	buf := binary.AppendUvarint(nil, uint64(len(sites)))
	for _, site := range sites {
		raw, err := hex.DecodeString(site)
		if err != nil {
			raw = []byte(site)
		}
		buf = binary.AppendUvarint(buf, uint64(len(raw)))
		buf = append(buf, raw...)
		buf = binary.AppendUvarint(buf, sv[site])
	}
	return buf
}

// Total is the number of changes the vector accounts for.
func (sv StateVector) Total() uint64 {
	var n uint64
	for _, seq := range sv {
		n += seq
	}
	return n
}

// DecodeStateVector parses the output of StateVector.Encode.
func DecodeStateVector(raw []byte) (StateVector, error) {
	n, read := binary.Uvarint(raw)
	if read <= 0 || n > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: state vector length", ErrMalformed)
	}
	raw = raw[read:]
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		size, read := binary.Uvarint(raw)
		if read <= 0 || uint64(len(raw)-read) < size {
			return nil, fmt.Errorf("%w: state vector site %d truncated", ErrMalformed, i)
		}
		site := hex.EncodeToString(raw[read : read+int(size)])
		raw = raw[read+int(size):]
		seq, read := binary.Uvarint(raw)
		if read <= 0 {
			return nil, fmt.Errorf("%w: state vector sequence %d truncated", ErrMalformed, i)
		}
		raw = raw[read:]
		sv[site] = seq
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(raw))
	}
	return sv, nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(changes)))
	for _, c := range changes {
		raw := c.Save()
		buf = binary.AppendUvarint(buf, uint64(len(raw)))
		buf = append(buf, raw...)
	}
	return buf
}

func decodeChanges(update []byte) ([][]byte, error) {
	n, read := binary.Uvarint(update)
	// every change carries at least its one byte length prefix
	if read <= 0 || n > uint64(len(update)-read) {
		return nil, fmt.Errorf("%w: update change count", ErrMalformed)
	}
	update = update[read:]
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		size, read := binary.Uvarint(update)
		if read <= 0 || uint64(len(update)-read) < size {
			return nil, fmt.Errorf("%w: change %d of %d truncated", ErrMalformed, i, n)
		}
		update = update[read:]
		out = append(out, update[:size])
		update = update[size:]
	}
	if len(update) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(update))
	}
	return out, nil
}

// CountChanges returns how many changes an encoded update carries.
func CountChanges(update []byte) (int, error) {
	raws, err := decodeChanges(update)
	if err != nil {
		return 0, err
	}
	return len(raws), nil
}
