// Package fec implements Reed-Solomon erasure coding over GF(2^8) for
// fixed 1280-byte shards (component C10, optional): parity generation
// and reconstruction of up to P missing shards out of D+P, plus the
// length-prefixed packing convention for payloads that aren't exact
// multiples of the shard size.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ShardSize is the fixed shard length every encoded/decoded shard uses.
const ShardSize = 1280

// ErrInsufficientShards is returned by Reconstruct when fewer than
// DataShards of the DataShards+ParityShards set are present.
var ErrInsufficientShards = errors.New("fec: insufficient shards to reconstruct")

// ErrWrongShardSize is returned when a shard isn't exactly ShardSize
// bytes.
var ErrWrongShardSize = errors.New("fec: shard is not ShardSize bytes")

// Codec encodes and reconstructs a fixed (DataShards, ParityShards)
// configuration.
type Codec struct {
	DataShards   int
	ParityShards int

	encodeMatrix matrix
}

// New builds a Codec for the given shard counts, deriving its
// generator matrix from a Vandermonde matrix row-reduced so its top
// DataShards rows form the identity — the standard construction that
// guarantees every DataShards-sized submatrix is invertible.
func New(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards < 0 {
		return nil, fmt.Errorf("fec: invalid shard configuration (%d data, %d parity)", dataShards, parityShards)
	}
	total := dataShards + parityShards
	if total > 255 {
		return nil, fmt.Errorf("fec: total shard count %d exceeds GF(256) capacity", total)
	}

	v := vandermonde(total, dataShards)
	top := v.subMatrix(rangeInts(dataShards))
	topInv, err := top.invert()
	if err != nil {
		return nil, fmt.Errorf("fec: build generator matrix: %w", err)
	}
	enc := v.multiply(topInv)

	return &Codec{DataShards: dataShards, ParityShards: parityShards, encodeMatrix: enc}, nil
}

func rangeInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Encode computes the parity shards for data, which must contain
// exactly DataShards entries, each exactly ShardSize bytes. Returns
// ParityShards entries, each ShardSize bytes.
func (c *Codec) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.DataShards {
		return nil, fmt.Errorf("fec: expected %d data shards, got %d", c.DataShards, len(data))
	}
	for i, d := range data {
		if len(d) != ShardSize {
			return nil, fmt.Errorf("%w: data shard %d is %d bytes", ErrWrongShardSize, i, len(d))
		}
	}

	parity := make([][]byte, c.ParityShards)
	for p := 0; p < c.ParityShards; p++ {
		row := c.encodeMatrix[c.DataShards+p]
		out := make([]byte, ShardSize)
		for j := 0; j < c.DataShards; j++ {
			coeff := row[j]
			if coeff == 0 {
				continue
			}
			for b := 0; b < ShardSize; b++ {
				out[b] = gfAdd(out[b], gfMul(coeff, data[j][b]))
			}
		}
		parity[p] = out
	}
	return parity, nil
}

// Reconstruct fills in any nil entries of shards (length
// DataShards+ParityShards, index order data-then-parity) given at
// least DataShards non-nil entries. Returns ErrInsufficientShards
// otherwise. Present shards are left untouched.
func (c *Codec) Reconstruct(shards [][]byte) error {
	total := c.DataShards + c.ParityShards
	if len(shards) != total {
		return fmt.Errorf("fec: expected %d shards, got %d", total, len(shards))
	}

	var present []int
	for i, s := range shards {
		if s == nil {
			continue
		}
		if len(s) != ShardSize {
			return fmt.Errorf("%w: shard %d is %d bytes", ErrWrongShardSize, i, len(s))
		}
		present = append(present, i)
	}
	if len(present) < c.DataShards {
		return ErrInsufficientShards
	}
	if len(present) == total {
		return nil
	}

	// Any DataShards of the present rows suffice to invert; use the
	// first DataShards we found.
	chosen := present[:c.DataShards]
	sub := c.encodeMatrix.subMatrix(chosen)
	subInv, err := sub.invert()
	if err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}

	recovered := make([][]byte, c.DataShards)
	for j := 0; j < c.DataShards; j++ {
		out := make([]byte, ShardSize)
		for k, rowIdx := range chosen {
			coeff := subInv[j][k]
			if coeff == 0 {
				continue
			}
			shard := shards[rowIdx]
			for b := 0; b < ShardSize; b++ {
				out[b] = gfAdd(out[b], gfMul(coeff, shard[b]))
			}
		}
		recovered[j] = out
	}

	for i := 0; i < total; i++ {
		if shards[i] != nil {
			continue
		}
		if i < c.DataShards {
			shards[i] = recovered[i]
			continue
		}
		row := c.encodeMatrix[i]
		out := make([]byte, ShardSize)
		for j := 0; j < c.DataShards; j++ {
			coeff := row[j]
			if coeff == 0 {
				continue
			}
			for b := 0; b < ShardSize; b++ {
				out[b] = gfAdd(out[b], gfMul(coeff, recovered[j][b]))
			}
		}
		shards[i] = out
	}
	return nil
}

// Pack splits payload into DataShards shards of exactly ShardSize,
// prefixing the payload with its 2-byte big-endian length and
// zero-padding to the shard boundary, per original_source's nyx-fec
// padding convention. payload must fit in DataShards*ShardSize-2
// bytes.
func (c *Codec) Pack(payload []byte) ([][]byte, error) {
	capacity := c.DataShards*ShardSize - 2
	if len(payload) > capacity {
		return nil, fmt.Errorf("fec: payload of %d bytes exceeds capacity %d", len(payload), capacity)
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	copy(buf[2:], payload)

	padded := make([]byte, c.DataShards*ShardSize)
	copy(padded, buf)

	shards := make([][]byte, c.DataShards)
	for i := 0; i < c.DataShards; i++ {
		shards[i] = padded[i*ShardSize : (i+1)*ShardSize]
	}
	return shards, nil
}

// Unpack reassembles the original payload from DataShards shards
// previously produced by Pack (after any necessary Reconstruct).
func (c *Codec) Unpack(dataShards [][]byte) ([]byte, error) {
	if len(dataShards) != c.DataShards {
		return nil, fmt.Errorf("fec: expected %d data shards, got %d", c.DataShards, len(dataShards))
	}
	buf := make([]byte, 0, c.DataShards*ShardSize)
	for _, s := range dataShards {
		if len(s) != ShardSize {
			return nil, fmt.Errorf("%w", ErrWrongShardSize)
		}
		buf = append(buf, s...)
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("fec: packed data too short to contain a length prefix")
	}
	n := binary.BigEndian.Uint16(buf[0:2])
	if int(n) > len(buf)-2 {
		return nil, fmt.Errorf("fec: length prefix %d exceeds packed capacity", n)
	}
	return buf[2 : 2+int(n)], nil
}
