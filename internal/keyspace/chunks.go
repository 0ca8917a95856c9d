package keyspace

import (
	"crypto/rand"
	"io"
	"math/big"
)

var one = big.NewInt(1)

// Chunk is an inclusive prefix interval.
type Chunk struct {
	Start *big.Int
	End   *big.Int
}

// Width returns End-Start+1.
func (c Chunk) Width() *big.Int {
	w := new(big.Int).Sub(c.End, c.Start)
	return w.Add(w, one)
}

// TotalChunks returns ceil((max-min+1)/chunkSize), or zero when max < min.
// A chunk size below one is treated as one.
func TotalChunks(min, max *big.Int, chunkSize int64) *big.Int {
	if max.Cmp(min) < 0 {
		return new(big.Int)
	}
	chunk := big.NewInt(chunkSize)
	if chunk.Sign() <= 0 {
		chunk.SetInt64(1)
	}
	span := new(big.Int).Sub(max, min)
	span.Add(span, one)
	span.Add(span, chunk)
	span.Sub(span, one)
	return span.Quo(span, chunk)
}

// ChunkAt returns the chunk with the given zero-based index. The start is
// clamped to max and the end never passes max, so the last chunk of a space
// that does not divide evenly is narrower than chunkSize.
func ChunkAt(min, max *big.Int, chunkSize int64, index *big.Int) Chunk {
	chunk := big.NewInt(chunkSize)
	if chunk.Sign() <= 0 {
		chunk.SetInt64(1)
	}
	start := new(big.Int).Mul(index, chunk)
	start.Add(start, min)
	if start.Cmp(max) > 0 {
		start.Set(max)
	}
	return Chunk{Start: start, End: ChunkEnd(start, max, chunkSize)}
}

// ChunkEnd returns min(max, start+chunkSize-1).
func ChunkEnd(start, max *big.Int, chunkSize int64) *big.Int {
	if chunkSize < 1 {
		chunkSize = 1
	}
	end := new(big.Int).Add(start, big.NewInt(chunkSize-1))
	if end.Cmp(max) > 0 {
		end.Set(max)
	}
	return end
}

// RandomIndex draws a uniform integer in [0, n) from r. Bytes are drawn to
// cover n's bit length and any value >= n is rejected and redrawn, so the
// result carries no modulo bias. A nil reader uses crypto/rand.
func RandomIndex(r io.Reader, n *big.Int) (*big.Int, error) {
	if n.Cmp(one) <= 0 {
		return new(big.Int), nil
	}
	if r == nil {
		r = rand.Reader
	}
	top := new(big.Int).Sub(n, one)
	bits := top.BitLen()
	buf := make([]byte, (bits+7)/8)
	mask := byte(0xFF)
	if rem := bits % 8; rem != 0 {
		mask = byte(1<<rem - 1)
	}
	v := new(big.Int)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		buf[0] &= mask
		v.SetBytes(buf)
		if v.Cmp(n) < 0 {
			return v, nil
		}
	}
}
