package keyspace

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	v, err := ParseHex("100F")
	require.NoError(t, err)
	assert.Equal(t, int64(0x100F), v.Int64())

	v, err = ParseHex("  ")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())

	v, err = ParseHex("abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(0xABCDEF), v.Int64())

	for _, bad := range []string{"XYZ", "-10", "+1", "0x10", "1_0", "12 34"} {
		_, err := ParseHex(bad)
		assert.ErrorIs(t, err, ErrMalformedHex, bad)
	}
}

func TestParseHexLargeValues(t *testing.T) {
	v, err := ParseHex("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, 136, v.BitLen())
}

func TestFormatHexPadsAndTruncates(t *testing.T) {
	assert.Equal(t, "000A", FormatHex(big.NewInt(10), 4))
	assert.Equal(t, "100F", FormatHex(big.NewInt(0x100F), 4))
	// Values wider than the requested length keep their low-order digits.
	assert.Equal(t, "2345", FormatHex(big.NewInt(0x12345), 4))
	assert.Equal(t, "0000", FormatHex(big.NewInt(0x10000), 4))
	assert.Equal(t, "0000", FormatHex(big.NewInt(-5), 4))
	assert.Equal(t, "ABC", FormatHex(big.NewInt(0xABC), 0))
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "00", "0001", "8000000", "8000FFF", "00FF00FF00FF00FF00FF", "FFFFFFFFFFFFFFFFFFFFFFFF"} {
		v, err := ParseHex(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatHex(v, len(s)))
	}
}

func TestNormalizeHex(t *testing.T) {
	assert.Equal(t, "8000FFF", NormalizeHex(" 0x8000fff "))
	assert.Equal(t, "ABC", NormalizeHex("0XAbc"))
	assert.Equal(t, "", NormalizeHex("   "))
}

func TestTotalChunks(t *testing.T) {
	cases := []struct {
		min, max string
		chunk    int64
		want     int64
	}{
		{"1000", "100F", 4, 4},
		{"1000", "1010", 4, 5},
		{"1000", "1000", 4, 1},
		{"8000000", "8000FFF", 4, 1024},
		{"1000", "100F", 0, 16},
		{"100F", "1000", 4, 0},
	}
	for _, tc := range cases {
		got := TotalChunks(MustParseHex(tc.min), MustParseHex(tc.max), tc.chunk)
		assert.Equal(t, tc.want, got.Int64(), "%s..%s/%d", tc.min, tc.max, tc.chunk)
	}
}

func TestChunkAtClampsTail(t *testing.T) {
	min, max := MustParseHex("1000"), MustParseHex("1009")

	c := ChunkAt(min, max, 4, big.NewInt(1))
	assert.Equal(t, "1004", FormatHex(c.Start, 4))
	assert.Equal(t, "1007", FormatHex(c.End, 4))
	assert.Equal(t, int64(4), c.Width().Int64())

	tail := ChunkAt(min, max, 4, big.NewInt(2))
	assert.Equal(t, "1008", FormatHex(tail.Start, 4))
	assert.Equal(t, "1009", FormatHex(tail.End, 4))
	assert.Equal(t, int64(2), tail.Width().Int64())
}

func TestRandomIndexStaysInRange(t *testing.T) {
	n := big.NewInt(300)
	for i := 0; i < 2000; i++ {
		v, err := RandomIndex(nil, n)
		require.NoError(t, err)
		require.True(t, v.Sign() >= 0 && v.Cmp(n) < 0, "index %s out of range", v)
	}

	v, err := RandomIndex(nil, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Sign())
}

func TestRandomIndexRejectsOutOfRangeDraws(t *testing.T) {
	// n=5 needs 3 bits; 0x07 masks to 7 (rejected), 0x06 to 6 (rejected),
	// 0x03 to 3 (accepted).
	r := bytes.NewReader([]byte{0x07, 0x06, 0x03})
	v, err := RandomIndex(r, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Int64())
}
