package blive

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeader(t *testing.T) {
	b := Encode(OpAuth, []byte(`{}`))

	require.Len(t, b, 18)
	assert.Equal(t, uint32(18), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint16(16), binary.BigEndian.Uint16(b[4:6]))
	assert.Equal(t, VerInt, binary.BigEndian.Uint16(b[6:8]))
	assert.Equal(t, uint32(OpAuth), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[12:16]))
	assert.Equal(t, `{}`, string(b[16:]))
}

func TestDecodeConcatenated(t *testing.T) {
	data := append(Encode(OpHeartbeat, nil), Encode(OpMessage, []byte(`{"cmd":"X"}`))...)

	pkts, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, OpHeartbeat, pkts[0].Op)
	assert.Empty(t, pkts[0].Body)
	assert.Equal(t, OpMessage, pkts[1].Op)
	assert.Equal(t, `{"cmd":"X"}`, string(pkts[1].Body))
}

func TestDecodeZlib(t *testing.T) {
	a := EncodeVer(VerPlain, OpMessage, []byte(`{"cmd":"A"}`))
	b := EncodeVer(VerPlain, OpMessage, []byte(`{"cmd":"B"}`))
	z, err := Compress(a, b)
	require.NoError(t, err)
	assert.Equal(t, VerZlib, binary.BigEndian.Uint16(z[6:8]))

	pkts, err := Decode(z)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, `{"cmd":"A"}`, string(pkts[0].Body))
	assert.Equal(t, `{"cmd":"B"}`, string(pkts[1].Body))
}

func TestDecodeErrors(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		_, err := Decode([]byte{0, 0, 0})
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("length past end", func(t *testing.T) {
		b := Encode(OpMessage, []byte("abc"))
		binary.BigEndian.PutUint32(b[0:4], 100)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("keeps packets before the error", func(t *testing.T) {
		data := append(Encode(OpHeartbeat, nil), 1, 2)
		pkts, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Len(t, pkts, 1)
	})
	t.Run("brotli", func(t *testing.T) {
		_, err := Decode(EncodeVer(VerBrotli, OpMessage, []byte{1, 2, 3}))
		assert.ErrorIs(t, err, ErrUnsupported)
	})
	t.Run("bad zlib", func(t *testing.T) {
		_, err := Decode(EncodeVer(VerZlib, OpMessage, []byte("not zlib")))
		assert.Error(t, err)
	})
}

func TestPopularity(t *testing.T) {
	n, ok := Popularity([]byte{0, 0, 1, 0})
	assert.True(t, ok)
	assert.Equal(t, int64(256), n)

	_, ok = Popularity([]byte{1})
	assert.False(t, ok)
}
